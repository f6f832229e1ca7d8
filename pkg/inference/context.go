package inference

import (
	"strings"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/conversation"
)

var ErrInvalidContext = errors.New("invalid inference context")

// Participant is a character other than the conversation owner, with the
// model profile its turns should be generated with, if any.
type Participant struct {
	Character     *conversation.Character
	ModelOverride string
}

// Context is everything the worker needs to generate one turn.
type Context struct {
	// ID lets the caller match a response to its request.
	ID string

	// Character is the speaking character. It is always the owner or one
	// of OtherParticipants.
	Character *conversation.Character
	// ModelOverride names a model profile to use instead of the default.
	ModelOverride string

	Owner             *conversation.Character
	OtherParticipants []Participant

	Conversation     *conversation.Conversation
	ContinueLastTurn bool
	Sampling         config.SamplingProfile
}

// NewContext builds a request context in which the owner speaks.
func NewContext(owner *conversation.Character, conv *conversation.Conversation, sampling config.SamplingProfile) *Context {
	return &Context{
		ID:           uuid.NewString(),
		Character:    owner,
		Owner:        owner,
		Conversation: conv,
		Sampling:     sampling,
	}
}

// WithSpeaker returns a copy of c in which the named participant speaks,
// using the participant's model override.
func (c *Context) WithSpeaker(name string) (*Context, error) {
	ret := c.Clone()
	ret.ID = uuid.NewString()
	if c.Owner != nil && strings.EqualFold(c.Owner.Name, name) {
		ret.Character = ret.Owner
		ret.ModelOverride = ""
		return ret, nil
	}
	for _, p := range ret.OtherParticipants {
		if p.Character != nil && strings.EqualFold(p.Character.Name, name) {
			ret.Character = p.Character
			ret.ModelOverride = p.ModelOverride
			return ret, nil
		}
	}
	return nil, errors.Wrapf(ErrInvalidContext, "%s is not part of the conversation", name)
}

func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	return clone.Clone(c).(*Context)
}

// Validate checks the invariants the worker relies on.
func (c *Context) Validate() error {
	if c.Character == nil || c.Owner == nil {
		return errors.Wrap(ErrInvalidContext, "speaking character and owner are required")
	}
	if c.Conversation == nil {
		return errors.Wrap(ErrInvalidContext, "conversation is required")
	}
	if strings.EqualFold(c.Character.Name, c.Owner.Name) {
		return nil
	}
	for _, p := range c.OtherParticipants {
		if p.Character != nil && strings.EqualFold(p.Character.Name, c.Character.Name) {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidContext, "speaking character %q is not a participant", c.Character.Name)
}

// ParticipantNames lists the names generated text must not speak for, in
// order: the user, the speaking character, the owner when it is not the
// speaker, then every other participant. Empty names and exact repeats are
// skipped. Names differing only in case are all kept since stop matching is
// case-sensitive.
func (c *Context) ParticipantNames(displayName string) []string {
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		for _, n := range names {
			if n == name {
				return
			}
		}
		names = append(names, name)
	}

	add(displayName)
	if c.Character != nil {
		add(c.Character.Name)
	}
	if c.Owner != nil && (c.Character == nil || !strings.EqualFold(c.Owner.Name, c.Character.Name)) {
		add(c.Owner.Name)
	}
	for _, p := range c.OtherParticipants {
		if p.Character != nil {
			add(p.Character.Name)
		}
	}
	return names
}
