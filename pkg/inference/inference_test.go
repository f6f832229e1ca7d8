package inference

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/conversation"
	"github.com/go-go-golems/sentinel/pkg/events"
)

func testContext() *Context {
	alice := &conversation.Character{Name: "Alice", Description: "A helpful librarian."}
	bob := &conversation.Character{Name: "Bob"}
	conv := conversation.New()
	conv.Push(conversation.NewTurn("User", "Hi"))
	conv.Push(conversation.NewTurn("Alice", "Hello!"))

	ic := NewContext(alice, conv, config.SamplingProfile{Name: "default"})
	ic.OtherParticipants = []Participant{{Character: bob, ModelOverride: "kobold"}}
	return ic
}

func TestContextValidate(t *testing.T) {
	ic := testContext()
	require.NoError(t, ic.Validate())

	bob, err := ic.WithSpeaker("bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", bob.Character.Name)
	assert.Equal(t, "kobold", bob.ModelOverride)
	assert.NotEqual(t, ic.ID, bob.ID)
	require.NoError(t, bob.Validate())

	_, err = ic.WithSpeaker("Mallory")
	assert.ErrorIs(t, err, ErrInvalidContext)

	ic.Character = &conversation.Character{Name: "Mallory"}
	assert.ErrorIs(t, ic.Validate(), ErrInvalidContext)

	ic = testContext()
	ic.Conversation = nil
	assert.ErrorIs(t, ic.Validate(), ErrInvalidContext)
}

func TestParticipantNames(t *testing.T) {
	ic := testContext()
	assert.Equal(t, []string{"USER", "Alice", "Bob"}, ic.ParticipantNames("USER"))

	bob, err := ic.WithSpeaker("Bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"USER", "Bob", "Alice"}, bob.ParticipantNames("USER"))

	assert.Equal(t, []string{"Alice", "Bob"}, ic.ParticipantNames(""))
	assert.Equal(t, []string{"alice", "Alice", "Bob"}, ic.ParticipantNames("alice"))

	t.Run("case variants are all trimmed", func(t *testing.T) {
		names := ic.ParticipantNames("alice")
		assert.Equal(t, "Sure thing.\n", TrimAtNames("Sure thing.\nAlice: and I also say", names))
		assert.Equal(t, "Sure thing.\n", TrimAtNames("Sure thing.\nalice: and I also say", names))
	})

	t.Run("owner matching the speaker is not repeated", func(t *testing.T) {
		owned := testContext()
		owned.Owner = &conversation.Character{Name: "ALICE"}
		assert.Equal(t, []string{"USER", "Alice", "Bob"}, owned.ParticipantNames("USER"))
	})

	assert.Equal(t, []string{"USER: ", "Alice: ", "Bob: "}, StopSequences(ic.ParticipantNames("USER")))
}

func TestTrimAtNames(t *testing.T) {
	names := []string{"USER", "Alice", "Bob"}
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no names", input: " I am fine.", expected: " I am fine."},
		{name: "user", input: " Sure!\nUSER: and then", expected: " Sure!\n"},
		{name: "earliest wins", input: " ok Bob: x USER: y", expected: " ok "},
		{name: "name without colon", input: " Bob is here", expected: " Bob is here"},
		{name: "at start", input: "Alice: hi", expected: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := TrimAtNames(tt.input, names)
			assert.Equal(t, tt.expected, once)
			assert.Equal(t, once, TrimAtNames(once, names))
		})
	}
}

func TestNewTextInferenceCopiesContext(t *testing.T) {
	ic := testContext()
	req := NewTextInference(ic)

	ic.Conversation.Push(conversation.NewTurn("User", "later"))
	ic.Character.Name = "Changed"

	assert.Equal(t, 2, req.Context.Conversation.Len())
	assert.Equal(t, "Alice", req.Context.Character.Name)
	assert.Equal(t, ic.ID, req.Context.ID)
}

type collectingHandler struct {
	mu        sync.Mutex
	fragments []string
	final     string
}

func (c *collectingHandler) HandleStart(ctx context.Context, e *events.EventStart) error {
	return nil
}

func (c *collectingHandler) HandleFragment(ctx context.Context, e *events.EventFragment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragments = append(c.fragments, e.Delta)
	return nil
}

func (c *collectingHandler) HandleFinal(ctx context.Context, e *events.EventFinal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.final = e.Text
	return nil
}

func (c *collectingHandler) HandleError(ctx context.Context, e *events.EventError) error {
	return nil
}

func (c *collectingHandler) HandleInterrupt(ctx context.Context, e *events.EventInterrupt) error {
	return nil
}

func TestWatermillSinkDeliversInOrder(t *testing.T) {
	router, err := events.NewEventRouter()
	require.NoError(t, err)

	h := &collectingHandler{}
	router.AddInferenceHandler("test", events.DefaultTopic, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	sink := NewWatermillSink(router.Publisher, events.DefaultTopic)
	meta := events.NewMetadata("req-1", "Alice", "local")
	require.NoError(t, sink.PublishEvent(events.NewStartEvent(meta)))
	require.NoError(t, sink.PublishEvent(events.NewFragmentEvent(meta, " Hel", " Hel")))
	require.NoError(t, sink.PublishEvent(events.NewFragmentEvent(meta, "lo", " Hello")))
	require.NoError(t, sink.PublishEvent(events.NewFinalEvent(meta, " Hello")))

	h.mu.Lock()
	assert.Equal(t, []string{" Hel", "lo"}, h.fragments)
	assert.Equal(t, " Hello", h.final)
	h.mu.Unlock()

	require.NoError(t, router.Close())
}
