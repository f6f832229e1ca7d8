// Package prompt builds the text prompt for one generation from a model's
// instruct template and the conversation so far.
//
// Substitution happens in a fixed order: descriptions and scene context
// first, then similar sentences, then the character and user names, and
// finally the chat history. Name placeholders inside descriptions are
// therefore expanded, while anything inside the chat history is inserted
// verbatim.
package prompt

import (
	"context"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/inference"
)

const (
	PlaceholderCharacterDescription = "<|character_description|>"
	PlaceholderCurrentContext       = "<|current_context|>"
	PlaceholderUserDescription      = "<|user_description|>"
	PlaceholderSimilarSentences     = "<|similar_sentences|>"
	PlaceholderCharacterName        = "<|character_name|>"
	PlaceholderUserName             = "<|user_name|>"
	PlaceholderChatHistory          = "<|chat_history|>"
)

// Augmenter finds earlier turns similar to the newest one, or to the one
// before it when offset is 1. It may store embeddings on the conversation's
// turns.
type Augmenter interface {
	SimilarTurns(ctx context.Context, ic *inference.Context, offset int, n int) ([]string, error)
}

type Assembler struct {
	ratio        float64
	maxNewTokens int
	displayName  string
	augmenter    Augmenter
	similarCount int
}

type Option func(*Assembler)

// WithTextToTokenRatio sets the expected characters per token used to
// turn the token budget into a character budget.
func WithTextToTokenRatio(ratio float64) Option {
	return func(a *Assembler) {
		if ratio > 0 {
			a.ratio = ratio
		}
	}
}

func WithMaxNewTokens(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxNewTokens = n
		}
	}
}

func WithDisplayName(name string) Option {
	return func(a *Assembler) {
		a.displayName = name
	}
}

func WithAugmenter(augmenter Augmenter) Option {
	return func(a *Assembler) {
		a.augmenter = augmenter
	}
}

// WithSimilarCount sets how many similar turns are inserted when the model
// profile does not say.
func WithSimilarCount(n int) Option {
	return func(a *Assembler) {
		if n >= 0 {
			a.similarCount = n
		}
	}
}

func NewAssembler(options ...Option) *Assembler {
	a := &Assembler{
		ratio:        config.DefaultTextToTokenRatio,
		maxNewTokens: config.DefaultMaximumNewTokens,
		displayName:  config.DefaultDisplayName,
		similarCount: config.DefaultSimilarSentences,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// NewAssemblerFromConfig takes ratio, token cap and display name from the
// configuration file. Options given after f override it.
func NewAssemblerFromConfig(f *config.File, options ...Option) *Assembler {
	opts := []Option{
		WithTextToTokenRatio(f.Ratio()),
		WithMaxNewTokens(f.MaxNewTokens()),
		WithDisplayName(f.DisplayName),
	}
	return NewAssembler(append(opts, options...)...)
}

func (a *Assembler) DisplayName() string {
	return a.displayName
}

func (a *Assembler) MaxNewTokens() int {
	return a.maxNewTokens
}

// Prompt is an assembled prompt and how its history was chosen.
type Prompt struct {
	Text string
	// Budget is the number of characters that were available for history.
	Budget       int
	HistoryTurns int
	HistoryChars int
	// Continuation is the unfinished turn appended after the history.
	Continuation string
}

// Assemble builds the prompt for ic using profile's template and context
// size. A missing or failing augmenter leaves the similar sentences empty;
// it never fails the request.
func (a *Assembler) Assemble(ctx context.Context, ic *inference.Context, profile *config.ModelProfile) *Prompt {
	buf := profile.PromptInstructTemplate
	conv := ic.Conversation

	buf = strings.ReplaceAll(buf, PlaceholderCharacterDescription, ic.Character.Description)
	buf = strings.ReplaceAll(buf, PlaceholderCurrentContext, conv.CurrentContext)
	if conv.UserDescription != nil {
		buf = strings.ReplaceAll(buf, PlaceholderUserDescription, *conv.UserDescription)
	}

	if strings.Contains(buf, PlaceholderSimilarSentences) {
		buf = strings.ReplaceAll(buf, PlaceholderSimilarSentences, a.similarSentences(ctx, ic, profile))
	}

	buf = strings.ReplaceAll(buf, PlaceholderCharacterName, ic.Character.Name)
	buf = strings.ReplaceAll(buf, PlaceholderUserName, a.displayName)

	budget := int(float64(profile.ContextSize-a.maxNewTokens)*a.ratio) - len(buf)
	if budget < 0 {
		budget = 0
	}

	end := conv.Len()
	continuation := ""
	if ic.ContinueLastTurn && end > 0 {
		continuation = stripSpeaker(conv.Get(end-1).Render(), ic.Character.Name)
		end--
	}

	history := ""
	turns := 0
	for i := end - 1; i >= 0; i-- {
		candidate := conv.Get(i).Render() + "\n" + history
		// the newest turn is always kept, even when it alone is over budget
		if turns > 0 && len(candidate)+len(continuation) >= budget {
			break
		}
		history = candidate
		turns++
	}
	history = strings.TrimRightFunc(history, unicode.IsSpace)

	buf = strings.ReplaceAll(buf, PlaceholderChatHistory, history)
	buf += continuation

	p := &Prompt{
		Text:         buf,
		Budget:       budget,
		HistoryTurns: turns,
		HistoryChars: len(history),
		Continuation: continuation,
	}
	log.Debug().
		Str("model", profile.Name).
		Str("character", ic.Character.Name).
		Int("budget", budget).
		Int("history_turns", turns).
		Int("history_chars", len(history)).
		Int("prompt_chars", len(buf)).
		Bool("continue", ic.ContinueLastTurn).
		Msg("Assembled prompt")
	return p
}

func (a *Assembler) similarSentences(ctx context.Context, ic *inference.Context, profile *config.ModelProfile) string {
	if ic.Conversation.Len() == 0 {
		return ""
	}
	if a.augmenter == nil {
		log.Warn().Msg("The prompt template asks for similar sentences but no embedding model is configured, leaving them empty")
		return ""
	}

	n := a.similarCount
	if profile.SimilarSentenceCount != nil {
		n = profile.SimilarCount()
	}
	offset := 0
	if ic.ContinueLastTurn {
		offset = 1
	}

	matches, err := a.augmenter.SimilarTurns(ctx, ic, offset, n)
	if err != nil {
		log.Warn().Err(err).Msg("Could not find similar sentences, leaving them empty")
		return ""
	}
	return strings.Join(matches, "\n")
}

// stripSpeaker removes a leading "{name}:" so the model continues the line
// itself. The space after the colon is kept.
func stripSpeaker(rendered string, name string) string {
	prefix := name + ":"
	if strings.HasPrefix(rendered, prefix) {
		return rendered[len(prefix):]
	}
	return rendered
}
