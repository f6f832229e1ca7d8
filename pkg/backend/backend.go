// Package backend runs a prompt through a model, either in process with
// llama.cpp or on a remote KoboldAI or OpenAI-compatible server, and keeps
// one model loaded at a time.
package backend

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sentinel/pkg/config"
)

var (
	// ErrLocalUnavailable is returned when opening a local model in a
	// binary built without llama.cpp support.
	ErrLocalUnavailable = errors.New("local inference is not available in this build")
	ErrCancelled        = errors.New("generation cancelled")
	ErrEmptyResult      = errors.New("backend returned no text")
)

// StatusError is a non-200 reply from a remote server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote server returned status %d", e.Code)
}

// Request is one generation.
type Request struct {
	Prompt   string
	Sampling *config.SamplingProfile

	MaxNewTokens  int
	ContextTokens int

	// StopSequences are passed to backends that can stop generating on
	// their own. Empty when stopping on names is disabled.
	StopSequences []string

	// Cancelled reports whether the user asked to stop. Remote backends
	// check it between network calls. May be nil.
	Cancelled func() bool

	// OnFragment receives generated text as it arrives. May be nil.
	OnFragment func(delta string) error
}

func (r *Request) cancelled() bool {
	return r.Cancelled != nil && r.Cancelled()
}

func (r *Request) fragment(delta string) error {
	if r.OnFragment == nil || delta == "" {
		return nil
	}
	return r.OnFragment(delta)
}

// Backend generates text for prompts. It is used by one goroutine at a
// time.
type Backend interface {
	Infer(ctx context.Context, req *Request) (string, error)
	Close() error
}
