package conversation

import (
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	characterNameTag = "<|character_name|>"
	userNameTag      = "<|user_name|>"
)

// Character is the part of a character file the engine reads.
type Character struct {
	// Name is how the character appears in logs and prompts.
	Name string `yaml:"name" json:"name"`
	// Description is substituted for <|character_description|>.
	Description string `yaml:"description" json:"description"`
	// Greeting holds the opening lines of a new chat log, one turn per line.
	Greeting string `yaml:"greeting" json:"greeting"`
	// Context is copied into new chat logs as their current context.
	Context string `yaml:"context" json:"context"`
}

func LoadCharacter(path string) (*Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read character file")
	}
	c := &Character{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "could not parse character file %s", path)
	}
	if c.Name == "" {
		return nil, errors.Errorf("character file %s has no name", path)
	}
	return c, nil
}

// GreetingLines returns the greeting split into lines with the character
// and user name tags expanded.
func (c *Character) GreetingLines(userName string) []string {
	ret := []string{}
	for _, line := range splitLines(c.Greeting) {
		line = strings.ReplaceAll(line, characterNameTag, c.Name)
		line = strings.ReplaceAll(line, userNameTag, userName)
		ret = append(ret, line)
	}
	return ret
}

var talkerName = regexp.MustCompile(`^([\p{L}\p{N}_\-]+):`)

func parseGreetingLine(line string) Turn {
	m := talkerName.FindStringSubmatch(line)
	if m == nil {
		return NewTurnFromText(DefaultSpeaker, line)
	}
	rest := strings.TrimPrefix(line[len(m[0]):], " ")
	return NewTurnFromText(m[1], rest)
}
