// Package retrieval finds earlier turns of a conversation that are
// semantically close to the newest one, so they can be recalled in the
// prompt even after they scrolled out of the history window.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/conversation"
	"github.com/go-go-golems/sentinel/pkg/embeddings"
	"github.com/go-go-golems/sentinel/pkg/inference"
	"github.com/go-go-golems/sentinel/pkg/prompt"
)

const DefaultTokenCutoffLimit = 512

// Augmenter embeds turns lazily and ranks them against a query turn.
type Augmenter struct {
	provider      embeddings.Provider
	chunkLimit    int
	queryPretext  string
	encodePretext string
}

var _ prompt.Augmenter = &Augmenter{}

type Option func(*Augmenter)

func WithQueryPretext(s string) Option {
	return func(a *Augmenter) {
		a.queryPretext = s
	}
}

func WithEncodePretext(s string) Option {
	return func(a *Augmenter) {
		a.encodePretext = s
	}
}

// NewAugmenter chunks text to at most tokenCutoff × ratio characters.
func NewAugmenter(provider embeddings.Provider, tokenCutoff int, ratio float64, options ...Option) *Augmenter {
	if tokenCutoff <= 0 {
		tokenCutoff = DefaultTokenCutoffLimit
	}
	if ratio <= 0 {
		ratio = config.DefaultTextToTokenRatio
	}
	a := &Augmenter{
		provider:   provider,
		chunkLimit: int(float64(tokenCutoff) * ratio),
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// NewAugmenterFromConfig builds the provider described by e and an
// augmenter around it. Closing the provider is up to the caller.
func NewAugmenterFromConfig(f *config.File, e *config.EmbeddingModel) (*Augmenter, embeddings.Provider, error) {
	p, err := embeddings.NewProviderFromConfig(e)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not create embedding provider")
	}
	a := NewAugmenter(p, e.TokenCutoffLimit, f.Ratio(),
		WithQueryPretext(e.Query()),
		WithEncodePretext(e.Encode()),
	)
	return a, p, nil
}

func (a *Augmenter) Provider() embeddings.Provider {
	return a.provider
}

// Chunk packs the lines of text into chunks of at most the chunk limit in
// characters, joined by newlines. A line longer than the limit becomes a
// chunk of its own. Blank text produces no chunks.
func (a *Augmenter) Chunk(text string) []string {
	var chunks []string
	var current strings.Builder
	flush := func() {
		if strings.TrimSpace(current.String()) != "" {
			chunks = append(chunks, current.String())
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(line) > a.chunkLimit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}

// EnsureEmbeddings embeds every turn of conv whose stored vectors are
// missing or stale. With force every turn is embedded again.
func (a *Augmenter) EnsureEmbeddings(ctx context.Context, conv *conversation.Conversation, force bool) error {
	var texts []string
	type span struct {
		turn       *conversation.Turn
		start, end int
	}
	var spans []span

	for i := 0; i < conv.Len(); i++ {
		t := conv.Get(i)
		if !force && t.HasCurrentEmbeddings() {
			continue
		}
		chunks := a.Chunk(t.Render())
		if len(chunks) == 0 {
			t.ClearEmbeddings()
			continue
		}
		start := len(texts)
		for _, c := range chunks {
			texts = append(texts, a.encodePretext+c)
		}
		spans = append(spans, span{turn: t, start: start, end: len(texts)})
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := a.provider.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return errors.Wrap(err, "could not embed turns")
	}
	if len(vectors) != len(texts) {
		return errors.Errorf("expected %d embeddings, got %d", len(texts), len(vectors))
	}
	for _, s := range spans {
		s.turn.SetEmbeddings(vectors[s.start:s.end])
	}
	log.Debug().Int("turns", len(spans)).Int("chunks", len(texts)).Msg("Embedded turns")
	return nil
}

// Match is a ranked turn.
type Match struct {
	Index int
	Score float32
	Text  string
}

// Rank scores the turns before the query turn against it. The query turn
// is the last turn, or the one before it when offset is 1. At most n
// matches are returned, best first, earlier turns first on equal scores.
func (a *Augmenter) Rank(ctx context.Context, conv *conversation.Conversation, offset int, n int) ([]Match, error) {
	queryIdx := conv.Len() - 1 - offset
	if n <= 0 || queryIdx <= 0 {
		return nil, nil
	}
	if err := a.EnsureEmbeddings(ctx, conv, false); err != nil {
		return nil, err
	}

	chunks := a.Chunk(conv.Get(queryIdx).Render())
	if len(chunks) == 0 {
		return nil, nil
	}
	for i := range chunks {
		chunks[i] = a.queryPretext + chunks[i]
	}
	queries, err := a.provider.GenerateBatchEmbeddings(ctx, chunks)
	if err != nil {
		return nil, errors.Wrap(err, "could not embed query")
	}

	var matches []Match
	for i := 0; i < queryIdx; i++ {
		t := conv.Get(i)
		vectors := t.Embeddings()
		if len(vectors) == 0 {
			continue
		}
		best := float32(math.Inf(-1))
		for _, q := range queries {
			for _, v := range vectors {
				if s := CosineSimilarity(q, v); s > best {
					best = s
				}
			}
		}
		matches = append(matches, Match{Index: i, Score: best, Text: t.Render()})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Index < matches[j].Index
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// SimilarTurns returns the rendered text of the best matching turns.
func (a *Augmenter) SimilarTurns(ctx context.Context, ic *inference.Context, offset int, n int) ([]string, error) {
	matches, err := a.Rank(ctx, ic.Conversation, offset, n)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(matches))
	for _, m := range matches {
		ret = append(ret, m.Text)
	}
	return ret, nil
}

// CosineSimilarity returns 0 for vectors of different length or zero norm.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
