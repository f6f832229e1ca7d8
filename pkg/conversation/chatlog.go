package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CurrentVersion is written into newly created chat logs.
const CurrentVersion = 1

// Participant is a further character brought into a conversation that is
// not its owner.
type Participant struct {
	// ModelConfigName optionally names a model profile to generate this
	// character's turns with.
	ModelConfigName   string `json:"model_config_name,omitempty"`
	CharacterFilepath string `json:"character_filepath"`
}

// Conversation is the chat log: ordered turns (index 0 is the oldest) plus
// the scene context and optional user description that prompts draw on.
type Conversation struct {
	Version           int           `json:"version"`
	UserDescription   *string       `json:"user_description,omitempty"`
	OtherParticipants []Participant `json:"other_participants,omitempty"`
	MemoryFiles       []string      `json:"memory_files,omitempty"`
	CurrentContext    string        `json:"current_context"`
	Items             []Turn        `json:"items"`

	// LoadedMemory holds the key/value snippets of every file in
	// MemoryFiles, keyed by memory key.
	LoadedMemory map[string][]string `json:"-"`

	lastUsedPath string
}

func New() *Conversation {
	return &Conversation{
		Version:      CurrentVersion,
		Items:        []Turn{},
		LoadedMemory: map[string][]string{},
	}
}

// NewWithGreeting starts a conversation from a character's greeting and
// starting context.
func NewWithGreeting(c *Character, userName string) *Conversation {
	conv := New()
	conv.CurrentContext = c.Context
	for _, line := range c.GreetingLines(userName) {
		conv.Push(parseGreetingLine(line))
	}
	return conv
}

func (c *Conversation) Len() int {
	return len(c.Items)
}

// Get returns the turn at index i, or nil when out of range. The pointer
// refers into the conversation so callers may update it in place.
func (c *Conversation) Get(i int) *Turn {
	if i < 0 || i >= len(c.Items) {
		return nil
	}
	return &c.Items[i]
}

func (c *Conversation) Last() *Turn {
	return c.Get(len(c.Items) - 1)
}

func (c *Conversation) Push(t Turn) {
	c.Items = append(c.Items, t)
}

// Pop removes and returns the newest turn.
func (c *Conversation) Pop() (Turn, bool) {
	if len(c.Items) == 0 {
		return Turn{}, false
	}
	t := c.Items[len(c.Items)-1]
	c.Items = c.Items[:len(c.Items)-1]
	return t, true
}

func (c *Conversation) Remove(i int) (Turn, bool) {
	if i < 0 || i >= len(c.Items) {
		return Turn{}, false
	}
	t := c.Items[i]
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	return t, true
}

// LastUsedPath is the file the conversation was last loaded from or saved
// to, or "" for a conversation that never touched disk.
func (c *Conversation) LastUsedPath() string {
	return c.lastUsedPath
}

// Clone returns a deep copy, embeddings included.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	return clone.Clone(c).(*Conversation)
}

// LoadJSON reads a chat log and every memory file it lists. Memory file
// paths are relative to the chat log's directory.
func LoadJSON(path string) (*Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read chat log")
	}
	conv, err := DecodeJSON(data)
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode chat log %s", path)
	}
	conv.lastUsedPath = path

	for _, mf := range conv.MemoryFiles {
		memPath := filepath.Join(filepath.Dir(path), mf)
		memories, err := LoadMemoryFile(memPath)
		if err != nil {
			return nil, err
		}
		conv.AddMemories(memories)
		log.Debug().Str("file", memPath).Int("memories", len(memories.Memories)).Msg("Loaded memory file")
	}

	return conv, nil
}

// DecodeJSON decodes a chat log without resolving memory files.
func DecodeJSON(data []byte) (*Conversation, error) {
	conv := New()
	if err := json.Unmarshal(data, conv); err != nil {
		return nil, err
	}
	if conv.Items == nil {
		conv.Items = []Turn{}
	}
	if conv.LoadedMemory == nil {
		conv.LoadedMemory = map[string][]string{}
	}
	return conv, nil
}

// AddMemories merges the memories of a file into LoadedMemory.
func (c *Conversation) AddMemories(mf *MemoryFile) {
	if c.LoadedMemory == nil {
		c.LoadedMemory = map[string][]string{}
	}
	for _, m := range mf.Memories {
		c.LoadedMemory[m.Key] = append(c.LoadedMemory[m.Key], m.Value)
	}
}

// SaveJSON writes the chat log as indented JSON and remembers path.
func (c *Conversation) SaveJSON(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "could not encode chat log")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "could not write chat log")
	}
	c.lastUsedPath = path
	return nil
}

// SaveToLastUsed writes the chat log back to the file it came from.
func (c *Conversation) SaveToLastUsed() error {
	if c.lastUsedPath == "" {
		return errors.New("chat log has no last used file path")
	}
	return c.SaveJSON(c.lastUsedPath)
}
