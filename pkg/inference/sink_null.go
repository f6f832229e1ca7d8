package inference

import "github.com/go-go-golems/sentinel/pkg/events"

// NullSink discards all events. The worker uses it when no sink is set.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(event events.Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)
