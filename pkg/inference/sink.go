package inference

import "github.com/go-go-golems/sentinel/pkg/events"

// EventSink receives the events of a generation: start, fragments, and the
// final, error or interrupt event.
type EventSink interface {
	PublishEvent(event events.Event) error
}
