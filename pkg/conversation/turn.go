package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultSpeaker is used for turns whose speaker could not be determined.
const DefaultSpeaker = "Unknown"

// Turn is one speaker's contribution to a conversation, possibly spanning
// several lines.
//
// Embeddings computed for a turn are stored together with a fingerprint of
// the text they were derived from. Changing Lines in any way, including by
// direct assignment, makes Embeddings report nothing until they are
// recomputed.
type Turn struct {
	Speaker string   `json:"entity"`
	Lines   []string `json:"lines"`

	embeddings  [][]float32
	fingerprint string
}

// NewTurn creates a turn from already split lines.
func NewTurn(speaker string, lines ...string) Turn {
	return Turn{
		Speaker: speaker,
		Lines:   append([]string{}, lines...),
	}
}

// NewTurnFromText creates a turn and splits text on newlines.
func NewTurnFromText(speaker string, text string) Turn {
	return Turn{
		Speaker: speaker,
		Lines:   splitLines(text),
	}
}

// Text returns the turn's lines joined by newlines.
func (t *Turn) Text() string {
	return strings.Join(t.Lines, "\n")
}

// Render returns "{speaker}: {lines joined by newline}", the form used in
// prompts and similarity matching.
func (t *Turn) Render() string {
	return t.Speaker + ": " + t.Text()
}

// AppendToLast appends s to the last line, splitting any newlines it
// carries into further lines. An empty turn gets s as its only line.
func (t *Turn) AppendToLast(s string) {
	if len(t.Lines) == 0 {
		t.Lines = append(t.Lines, s)
		return
	}
	last := t.Lines[len(t.Lines)-1] + s
	t.Lines = append(t.Lines[:len(t.Lines)-1], splitLines(last)...)
}

// ReplaceText replaces all lines with the lines of paragraph.
func (t *Turn) ReplaceText(paragraph string) {
	t.Lines = t.Lines[:0]
	if paragraph == "" {
		return
	}
	t.Lines = append(t.Lines, strings.Split(paragraph, "\n")...)
}

// Embeddings returns the vectors computed for the current text of the turn,
// or nil when none were computed or the text changed since.
func (t *Turn) Embeddings() [][]float32 {
	if len(t.embeddings) == 0 || t.fingerprint != fingerprint(t.Lines) {
		return nil
	}
	return t.embeddings
}

// HasCurrentEmbeddings reports whether Embeddings would return vectors.
func (t *Turn) HasCurrentEmbeddings() bool {
	return t.Embeddings() != nil
}

// SetEmbeddings stores vectors computed from the turn's current text.
func (t *Turn) SetEmbeddings(vectors [][]float32) {
	t.embeddings = vectors
	t.fingerprint = fingerprint(t.Lines)
}

// ClearEmbeddings drops any stored vectors.
func (t *Turn) ClearEmbeddings() {
	t.embeddings = nil
	t.fingerprint = ""
}

func fingerprint(lines []string) string {
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// splitLines splits on \n, tolerating \r\n, and does not produce a trailing
// empty line for text ending in a newline.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	s = strings.TrimSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
