package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart is published when the worker begins generating for a request.
	EventTypeStart EventType = "start"
	// EventTypeFragment carries one piece of generated text as it streams in.
	EventTypeFragment EventType = "fragment"
	EventTypeFinal    EventType = "final"
	EventTypeError    EventType = "error"
	// EventTypeInterrupt is published when a generation was cancelled.
	EventTypeInterrupt EventType = "interrupt"

	EventTypeModelLoaded EventType = "model-loaded"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata identifies the request an event belongs to.
type EventMetadata struct {
	ID        uuid.UUID `json:"message_id" yaml:"message_id"`
	RequestID string    `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Character string    `json:"character,omitempty" yaml:"character,omitempty"`
	Model     string    `json:"model,omitempty" yaml:"model,omitempty"`

	DurationMs *int64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

func NewMetadata(requestID, character, model string) EventMetadata {
	return EventMetadata{
		ID:        uuid.New(),
		RequestID: requestID,
		Character: character,
		Model:     model,
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.RequestID != "" {
		e.Str("request_id", em.RequestID)
	}
	if em.Character != "" {
		e.Str("character", em.Character)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

// EventFragment is one streamed piece of output. Completion holds
// everything generated so far for the request, Delta only the new piece.
type EventFragment struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewFragmentEvent(metadata EventMetadata, delta string, completion string) *EventFragment {
	return &EventFragment{
		EventImpl:  EventImpl{Type_: EventTypeFragment, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

// EventFinal carries the text after stop-on-name trimming, exactly what
// the response channel delivers.
type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

type EventModelLoaded struct {
	EventImpl
}

func NewModelLoadedEvent(metadata EventMetadata) *EventModelLoaded {
	return &EventModelLoaded{
		EventImpl: EventImpl{Type_: EventTypeModelLoaded, Metadata_: metadata},
	}
}

var (
	_ Event = &EventStart{}
	_ Event = &EventFragment{}
	_ Event = &EventFinal{}
	_ Event = &EventError{}
	_ Event = &EventInterrupt{}
	_ Event = &EventModelLoaded{}
)

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil || ret == nil {
		return nil, false
	}
	return ret, true
}

// NewEventFromJson decodes a serialized event into its concrete type.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "could not decode event")
	}
	if e == nil {
		return nil, errors.New("empty event")
	}
	e.payload = b

	var (
		ret Event
		ok  bool
	)
	switch e.Type_ {
	case EventTypeStart:
		ret, ok = typed[EventStart](e)
	case EventTypeFragment:
		ret, ok = typed[EventFragment](e)
	case EventTypeFinal:
		ret, ok = typed[EventFinal](e)
	case EventTypeError:
		ret, ok = typed[EventError](e)
	case EventTypeInterrupt:
		ret, ok = typed[EventInterrupt](e)
	case EventTypeModelLoaded:
		ret, ok = typed[EventModelLoaded](e)
	default:
		return e, nil
	}
	if !ok {
		return nil, errors.Errorf("could not decode %s event", e.Type_)
	}
	return ret, nil
}

type payloadSetter interface {
	setPayload([]byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func typed[T any, PT interface {
	*T
	Event
	payloadSetter
}](e *EventImpl) (Event, bool) {
	ret, ok := ToTypedEvent[T](e)
	if !ok {
		return nil, false
	}
	PT(ret).setPayload(e.payload)
	return PT(ret), true
}
