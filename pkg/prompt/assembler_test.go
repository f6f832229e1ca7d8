package prompt

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/conversation"
	"github.com/go-go-golems/sentinel/pkg/inference"
)

func newContext(turns ...conversation.Turn) *inference.Context {
	alice := &conversation.Character{Name: "Alice", Description: "<|character_name|> keeps the library."}
	conv := conversation.New()
	conv.CurrentContext = "A quiet evening."
	for _, t := range turns {
		conv.Push(t)
	}
	return inference.NewContext(alice, conv, config.SamplingProfile{})
}

func profile(template string, contextSize int) *config.ModelProfile {
	return &config.ModelProfile{
		Name:                   "test",
		Path:                   "/m.gguf",
		ContextSize:            contextSize,
		PromptInstructTemplate: template,
	}
}

type fakeAugmenter struct {
	matches []string
	err     error
	offset  int
	n       int
	calls   int
}

func (f *fakeAugmenter) SimilarTurns(ctx context.Context, ic *inference.Context, offset int, n int) ([]string, error) {
	f.calls++
	f.offset = offset
	f.n = n
	return f.matches, f.err
}

func TestTwoTurnScenario(t *testing.T) {
	ic := newContext(
		conversation.NewTurn("User", "Hi"),
		conversation.NewTurn("Alice", "Hello!"),
	)
	p := NewAssembler().Assemble(context.Background(), ic, profile("<|chat_history|>", 100000))
	assert.Equal(t, "User: Hi\nAlice: Hello!", p.Text)
	assert.Equal(t, 2, p.HistoryTurns)
	assert.Empty(t, p.Continuation)
}

func TestEmptyConversation(t *testing.T) {
	ic := newContext()
	aug := &fakeAugmenter{matches: []string{"never"}}
	p := NewAssembler(WithAugmenter(aug)).Assemble(context.Background(), ic,
		profile("[<|similar_sentences|>]<|chat_history|>|", 4096))
	assert.Equal(t, "[]|", p.Text)
	assert.Equal(t, 0, aug.calls)
	assert.Equal(t, 0, p.HistoryTurns)
}

func TestSubstitutionOrder(t *testing.T) {
	userDesc := "<|user_name|> is a student."
	ic := newContext(conversation.NewTurn("User", "say <|character_name|> and <|chat_history|>"))
	ic.Conversation.UserDescription = &userDesc

	template := "<|character_description|>\n<|current_context|>\n<|user_description|>\n<|chat_history|>"
	p := NewAssembler(WithDisplayName("Bob")).Assemble(context.Background(), ic, profile(template, 4096))

	lines := strings.Split(p.Text, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Alice keeps the library.", lines[0])
	assert.Equal(t, "A quiet evening.", lines[1])
	assert.Equal(t, "Bob is a student.", lines[2])
	assert.Equal(t, "User: say <|character_name|> and <|chat_history|>", lines[3])
}

func TestUserDescriptionAbsentIsSkipped(t *testing.T) {
	ic := newContext()
	p := NewAssembler().Assemble(context.Background(), ic, profile("<|user_description|>", 4096))
	assert.Equal(t, "<|user_description|>", p.Text)
}

func TestContinuation(t *testing.T) {
	ic := newContext(
		conversation.NewTurn("User", "Hi"),
		conversation.NewTurn("Alice", "Hello wor"),
	)
	ic.ContinueLastTurn = true

	p := NewAssembler().Assemble(context.Background(), ic, profile("<|chat_history|>\nAlice:", 4096))
	assert.True(t, strings.HasSuffix(p.Text, "Hello wor"))
	assert.Equal(t, "User: Hi\nAlice: Hello wor", p.Text)
	assert.Equal(t, " Hello wor", p.Continuation)
	assert.Equal(t, 1, p.HistoryTurns)
	assert.NotContains(t, strings.TrimSuffix(p.Text, p.Continuation), "Hello wor")

	t.Run("other speaker keeps its name", func(t *testing.T) {
		ic := newContext(conversation.NewTurn("User", "I was say"))
		ic.ContinueLastTurn = true
		p := NewAssembler().Assemble(context.Background(), ic, profile("<|chat_history|>", 4096))
		assert.Equal(t, "User: I was say", p.Text)
		assert.Equal(t, 0, p.HistoryTurns)
	})
}

func TestBudgetRespected(t *testing.T) {
	var turns []conversation.Turn
	for i := 0; i < 200; i++ {
		turns = append(turns, conversation.NewTurn("User", fmt.Sprintf("message number %03d with some padding text", i)))
	}
	ic := newContext(turns...)

	const contextSize = 300
	a := NewAssembler(WithMaxNewTokens(100), WithTextToTokenRatio(2.0))
	p := a.Assemble(context.Background(), ic, profile("<|chat_history|>", contextSize))

	// the template itself still holds the history placeholder when the budget is computed
	assert.Equal(t, (contextSize-100)*2-len(PlaceholderChatHistory), p.Budget)
	assert.Greater(t, p.HistoryTurns, 1)
	assert.Less(t, p.HistoryTurns, 200)
	assert.LessOrEqual(t, p.HistoryChars, p.Budget)
	assert.True(t, strings.HasSuffix(p.Text, "message number 199 with some padding text"))

	t.Run("ratio is adjustable", func(t *testing.T) {
		wider := NewAssembler(WithMaxNewTokens(100), WithTextToTokenRatio(4.0)).
			Assemble(context.Background(), ic, profile("<|chat_history|>", contextSize))
		assert.Greater(t, wider.HistoryTurns, p.HistoryTurns)
	})
}

func TestFirstTurnAlwaysIncluded(t *testing.T) {
	long := strings.Repeat("x", 1000)
	ic := newContext(
		conversation.NewTurn("User", "older"),
		conversation.NewTurn("User", long),
	)
	a := NewAssembler(WithMaxNewTokens(10), WithTextToTokenRatio(1.0))
	p := a.Assemble(context.Background(), ic, profile("<|chat_history|>", 50))

	assert.Equal(t, 1, p.HistoryTurns)
	assert.Equal(t, "User: "+long, p.Text)
	assert.Greater(t, p.HistoryChars, p.Budget)
}

func TestBudgetNeverNegative(t *testing.T) {
	ic := newContext(conversation.NewTurn("User", "Hi"), conversation.NewTurn("Alice", "Hello"))
	p := NewAssembler().Assemble(context.Background(), ic, profile("<|chat_history|>", 10))
	assert.Equal(t, 0, p.Budget)
	assert.Equal(t, "Alice: Hello", p.Text)
}

func TestSimilarSentences(t *testing.T) {
	ic := newContext(
		conversation.NewTurn("User", "Do you like cats?"),
		conversation.NewTurn("Alice", "I adore them."),
	)
	template := "Memories:\n<|similar_sentences|>\n<|chat_history|>"

	t.Run("no augmenter degrades to empty", func(t *testing.T) {
		p := NewAssembler().Assemble(context.Background(), ic, profile(template, 4096))
		assert.True(t, strings.HasPrefix(p.Text, "Memories:\n\nUser:"))
		assert.NotContains(t, p.Text, PlaceholderSimilarSentences)
	})

	t.Run("matches joined by newline", func(t *testing.T) {
		aug := &fakeAugmenter{matches: []string{"User: cats", "Alice: dogs"}}
		p := NewAssembler(WithAugmenter(aug)).Assemble(context.Background(), ic, profile(template, 4096))
		assert.True(t, strings.HasPrefix(p.Text, "Memories:\nUser: cats\nAlice: dogs\n"))
		assert.Equal(t, 0, aug.offset)
		assert.Equal(t, config.DefaultSimilarSentences, aug.n)
	})

	t.Run("continuation skips the last turn and profile count wins", func(t *testing.T) {
		aug := &fakeAugmenter{}
		cont := ic.Clone()
		cont.ContinueLastTurn = true
		prof := profile(template, 4096)
		five := 5
		prof.SimilarSentenceCount = &five
		NewAssembler(WithAugmenter(aug), WithSimilarCount(1)).Assemble(context.Background(), cont, prof)
		assert.Equal(t, 1, aug.offset)
		assert.Equal(t, 5, aug.n)
	})

	t.Run("augmenter error degrades to empty", func(t *testing.T) {
		aug := &fakeAugmenter{err: errors.New("embedding failed")}
		p := NewAssembler(WithAugmenter(aug)).Assemble(context.Background(), ic, profile(template, 4096))
		assert.True(t, strings.HasPrefix(p.Text, "Memories:\n\nUser:"))
	})

	t.Run("placeholder absent means no lookup", func(t *testing.T) {
		aug := &fakeAugmenter{}
		NewAssembler(WithAugmenter(aug)).Assemble(context.Background(), ic, profile("<|chat_history|>", 4096))
		assert.Equal(t, 0, aug.calls)
	})
}

func TestNewAssemblerFromConfig(t *testing.T) {
	f := config.Default()
	f.DisplayName = "Carol"
	ratio := 2.0
	f.TextToTokenRatio = &ratio

	a := NewAssemblerFromConfig(f, WithMaxNewTokens(42))
	assert.Equal(t, "Carol", a.DisplayName())
	assert.Equal(t, 42, a.MaxNewTokens())

	ic := newContext()
	p := a.Assemble(context.Background(), ic, profile("<|user_name|>", 142))
	assert.Equal(t, "Carol", p.Text)
	assert.Equal(t, 200-len("Carol"), p.Budget)
}
