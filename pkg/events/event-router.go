package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sentinel/pkg/helpers"
)

// DefaultTopic is where the worker publishes inference events.
const DefaultTopic = "sentinel.inference"

// InferenceEventHandler receives decoded inference events.
type InferenceEventHandler interface {
	HandleStart(ctx context.Context, e *EventStart) error
	HandleFragment(ctx context.Context, e *EventFragment) error
	HandleFinal(ctx context.Context, e *EventFinal) error
	HandleError(ctx context.Context, e *EventError) error
	HandleInterrupt(ctx context.Context, e *EventInterrupt) error
}

type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
	rawOut     io.Writer
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
		r.logger = helpers.NewWatermill(log.Logger)
	}
}

// WithRawOutput sets where DumpRawEvents writes, stdout by default.
func WithRawOutput(w io.Writer) EventRouterOption {
	return func(r *EventRouter) {
		r.rawOut = w
	}
}

// NewEventRouter creates an in-process router backed by a gochannel pubsub.
// Publishing blocks until every subscriber acked, so fragments are handled
// in order before the final response is delivered.
func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
		rawOut: os.Stdout,
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = helpers.CorrelationPublisherDecorator{Publisher: goPubSub}
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("Closing publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}

	log.Debug().Msg("Closing router")
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	log.Debug().Msg("Router closed")

	return nil
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddInferenceHandler registers handler for every event published on topic.
func (e *EventRouter) AddInferenceHandler(name string, topic string, handler InferenceEventHandler) {
	e.AddHandler(name, topic, NewDispatchHandler(handler))
}

// NewDispatchHandler decodes each message and calls the matching handler
// method. Undecodable messages are logged and dropped.
func NewDispatchHandler(handler InferenceEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Msg("Failed to parse inference event")
			return nil
		}

		ctx := msg.Context()
		switch ev := e.(type) {
		case *EventStart:
			err = handler.HandleStart(ctx, ev)
		case *EventFragment:
			err = handler.HandleFragment(ctx, ev)
		case *EventFinal:
			err = handler.HandleFinal(ctx, ev)
		case *EventError:
			err = handler.HandleError(ctx, ev)
		case *EventInterrupt:
			err = handler.HandleInterrupt(ctx, ev)
		default:
			log.Trace().Str("event_type", string(e.Type())).Msg("Unhandled inference event")
		}
		if err != nil {
			log.Error().Err(err).Str("event_type", string(e.Type())).Msg("Error processing inference event")
			return err
		}
		return nil
	}
}

func (e *EventRouter) DumpRawEvents(msg *message.Message) error {
	defer msg.Ack()

	var s map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		return err
	}
	if !e.verbose {
		if meta, ok := s["meta"].(map[string]interface{}); ok {
			s["id"] = meta["request_id"]
		}
		delete(s, "meta")
	}
	s_, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.rawOut, string(s_))
	return err
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}
