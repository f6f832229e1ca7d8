package inference

import "github.com/go-go-golems/sentinel/pkg/config"

// Request is a message to the worker: TextInference, ReloadConfiguration
// or Shutdown.
type Request interface {
	isRequest()
}

type TextInference struct {
	Context *Context
}

// NewTextInference copies ic, the worker owns the copy once sent.
func NewTextInference(ic *Context) TextInference {
	return TextInference{Context: ic.Clone()}
}

// ReloadConfiguration replaces the worker's configuration. The loaded
// model stays until a request needs a different profile.
type ReloadConfiguration struct {
	Config *config.File
}

// Shutdown ends the worker loop. Requests queued behind it are dropped.
type Shutdown struct{}

func (TextInference) isRequest()       {}
func (ReloadConfiguration) isRequest() {}
func (Shutdown) isRequest()            {}

// Response is a message from the worker: ModelLoaded once at start-up,
// then one NewText per TextInference in submission order.
type Response interface {
	isResponse()
}

// NewText answers a TextInference. Text is nil when generation failed.
// Context is the request's context, including any embeddings computed
// while assembling the prompt.
type NewText struct {
	Text    *string
	Context *Context
}

type ModelLoaded struct {
	Model string
}

func (NewText) isResponse()     {}
func (ModelLoaded) isResponse() {}
