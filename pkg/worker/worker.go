// Package worker runs inference requests one at a time on a single
// goroutine that owns the loaded model, the embedding provider and the
// active model profile. Callers talk to it only through two bounded
// channels and a cancel signal.
package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sentinel/pkg/backend"
	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/events"
	"github.com/go-go-golems/sentinel/pkg/inference"
	"github.com/go-go-golems/sentinel/pkg/metrics"
	"github.com/go-go-golems/sentinel/pkg/prompt"
)

const DefaultQueueCapacity = 10

var (
	ErrQueueFull            = errors.New("request queue is full")
	ErrStopped              = errors.New("worker stopped")
	ErrRequestChannelClosed = errors.New("request channel closed")
)

type Worker struct {
	cfg       *config.File
	modelName string
	selector  *backend.Selector

	assembler     *prompt.Assembler
	assemblerOpts []prompt.Option

	sink     inference.EventSink
	metrics  *metrics.Worker
	debugDir string
	capacity int

	requests  chan inference.Request
	responses chan inference.Response
	cancel    chan struct{}
	done      chan struct{}
	err       error
}

type Option func(*Worker)

// WithQueueCapacity sets the capacity of both the request and the
// response channel.
func WithQueueCapacity(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.capacity = n
		}
	}
}

func WithEventSink(sink inference.EventSink) Option {
	return func(w *Worker) {
		w.sink = sink
	}
}

func WithMetrics(m *metrics.Worker) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithAugmenter(a prompt.Augmenter) Option {
	return func(w *Worker) {
		w.assemblerOpts = append(w.assemblerOpts, prompt.WithAugmenter(a))
	}
}

// WithDebugDir makes the worker write each assembled prompt and raw result
// to prompt.txt and result.txt in dir.
func WithDebugDir(dir string) Option {
	return func(w *Worker) {
		w.debugDir = dir
	}
}

// New prepares a worker serving modelName by default. It fails when the
// model is not configured; loading happens in Start.
func New(cfg *config.File, modelName string, factory backend.Factory, options ...Option) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("configuration cannot be nil")
	}
	m, err := cfg.FindModel(modelName)
	if err != nil {
		return nil, err
	}
	if _, err := m.Strategy(); err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:       cfg.Clone(),
		modelName: m.Name,
		selector:  backend.NewSelector(factory, m.Name),
		sink:      inference.NewNullSink(),
		capacity:  DefaultQueueCapacity,
		cancel:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range options {
		o(w)
	}
	w.requests = make(chan inference.Request, w.capacity)
	w.responses = make(chan inference.Response, w.capacity)
	w.assembler = prompt.NewAssemblerFromConfig(w.cfg, w.assemblerOpts...)
	return w, nil
}

// Start launches the worker goroutine. It loads the default model and then
// sends ModelLoaded; when loading fails the worker ends and Wait returns
// the error.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.responses)
	defer func() {
		if err := w.selector.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not close backend")
		}
	}()

	start := time.Now()
	if err := w.selector.Start(ctx, w.cfg); err != nil {
		log.Error().Err(err).Str("model", w.modelName).Msg("Could not load the default model")
		w.err = err
		return
	}
	w.metrics.SetActiveModel("", w.modelName)
	log.Info().Str("model", w.modelName).Dur("load_time", time.Since(start)).Msg("Worker ready")

	w.publish(events.NewModelLoadedEvent(events.NewMetadata("", "", w.modelName)))
	if err := w.send(ctx, inference.ModelLoaded{Model: w.modelName}); err != nil {
		w.err = err
		return
	}

	for {
		var req inference.Request
		var ok bool
		select {
		case <-ctx.Done():
			w.err = ctx.Err()
			return
		case req, ok = <-w.requests:
		}
		if !ok {
			log.Error().Msg("Request channel closed, stopping worker")
			w.err = ErrRequestChannelClosed
			return
		}
		w.metrics.SetQueueDepth(len(w.requests))

		switch r := req.(type) {
		case inference.Shutdown:
			log.Info().Int("dropped", len(w.requests)).Msg("Worker shutting down")
			return
		case inference.ReloadConfiguration:
			w.reload(r.Config)
		case inference.TextInference:
			resp := w.handle(ctx, r.Context)
			if err := w.send(ctx, resp); err != nil {
				w.err = err
				return
			}
		default:
			log.Warn().Type("request", req).Msg("Ignoring unknown request")
		}
	}
}

func (w *Worker) send(ctx context.Context, resp inference.Response) error {
	select {
	case w.responses <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) publish(e events.Event) {
	if err := w.sink.PublishEvent(e); err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type())).Msg("Could not publish event")
	}
}

// reload replaces the configuration used for prompts, stop names and model
// lookups. The loaded model stays until a request needs another one.
func (w *Worker) reload(cfg *config.File) {
	if cfg == nil {
		log.Warn().Msg("Ignoring empty configuration reload")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Ignoring invalid configuration reload")
		return
	}
	w.cfg = cfg.Clone()
	w.assembler = prompt.NewAssemblerFromConfig(w.cfg, w.assemblerOpts...)
	log.Info().Int("models", len(w.cfg.Models)).Msg("Reloaded configuration")
}

// handle serves one TextInference. It always returns a NewText, with a nil
// text when anything went wrong, including a panic.
func (w *Worker) handle(ctx context.Context, ic *inference.Context) (resp inference.NewText) {
	start := time.Now()
	resp = inference.NewText{Context: ic}
	model := ""
	outcome := metrics.OutcomeFailed

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic while generating")
			resp = inference.NewText{Context: ic}
			outcome = metrics.OutcomeFailed
		}
		w.metrics.ObserveRequest(model, outcome, time.Since(start))
	}()

	w.drainCancel()

	if ic == nil {
		log.Error().Msg("Text inference without context")
		outcome = metrics.OutcomeInvalid
		return resp
	}
	if err := ic.Validate(); err != nil {
		log.Error().Err(err).Str("request_id", ic.ID).Msg("Rejecting invalid request")
		outcome = metrics.OutcomeInvalid
		return resp
	}

	previous := w.selector.Active()
	b, profile := w.selector.Resolve(ctx, w.cfg, ic.ModelOverride)
	if profile != nil {
		model = profile.Name
		if previous != nil {
			w.metrics.SetActiveModel(previous.Name, profile.Name)
		}
	}
	if b == nil {
		log.Error().Str("model", model).Msg("No model available for request")
		outcome = metrics.OutcomeNoBackend
		return resp
	}
	// the open backend may predate a reload; prompt settings come from the
	// current configuration
	if current, err := w.cfg.FindModel(profile.Name); err == nil {
		profile = current
	}

	p := w.assembler.Assemble(ctx, ic, profile)
	w.metrics.ObservePrompt(len(p.Text))
	w.dump("prompt.txt", p.Text)

	names := ic.ParticipantNames(w.assembler.DisplayName())
	var stops []string
	if w.cfg.StopOnDisplayName {
		stops = inference.StopSequences(names)
	}

	meta := events.NewMetadata(ic.ID, ic.Character.Name, profile.Name)
	w.publish(events.NewStartEvent(meta))

	var completion strings.Builder
	req := &backend.Request{
		Prompt:        p.Text,
		Sampling:      &ic.Sampling,
		MaxNewTokens:  w.assembler.MaxNewTokens(),
		ContextTokens: profile.ContextSize,
		StopSequences: stops,
		Cancelled:     w.cancelledFunc(),
		OnFragment: func(delta string) error {
			completion.WriteString(delta)
			w.metrics.Fragment()
			w.publish(events.NewFragmentEvent(meta, delta, completion.String()))
			return nil
		},
	}

	genStart := time.Now()
	text, err := b.Infer(ctx, req)
	elapsed := time.Since(genStart)
	if err != nil {
		if errors.Is(err, backend.ErrCancelled) {
			log.Info().Str("request_id", ic.ID).Msg("Generation cancelled")
			w.publish(events.NewInterruptEvent(meta, completion.String()))
			outcome = metrics.OutcomeCancelled
			return resp
		}
		log.Error().Err(err).Str("model", profile.Name).Str("request_id", ic.ID).Msg("Generation failed")
		w.publish(events.NewErrorEvent(meta, err))
		return resp
	}
	w.dump("result.txt", text)

	if w.cfg.StopOnDisplayName {
		text = inference.TrimAtNames(text, names)
	}

	ms := elapsed.Milliseconds()
	meta.DurationMs = &ms
	w.publish(events.NewFinalEvent(meta, text))
	w.metrics.ObserveGenerated(len(text))

	log.Debug().
		Str("model", profile.Name).
		Str("request_id", ic.ID).
		Int("prompt_chars", len(p.Text)).
		Int("history_turns", p.HistoryTurns).
		Int("generated_chars", len(text)).
		Dur("generation_time", elapsed).
		Msg("Generated text")

	outcome = metrics.OutcomeOK
	resp.Text = &text
	return resp
}

func (w *Worker) drainCancel() {
	select {
	case <-w.cancel:
	default:
	}
}

// cancelledFunc reports a cancel posted during the current request. Once
// seen it stays set.
func (w *Worker) cancelledFunc() func() bool {
	cancelled := false
	return func() bool {
		if cancelled {
			return true
		}
		select {
		case <-w.cancel:
			cancelled = true
		default:
		}
		return cancelled
	}
}

func (w *Worker) dump(name string, content string) {
	if w.debugDir == "" {
		return
	}
	path := filepath.Join(w.debugDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Could not write debug file")
	}
}

// Submit queues req, blocking while the queue is full.
func (w *Worker) Submit(ctx context.Context, req inference.Request) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.requests <- req:
		w.metrics.SetQueueDepth(len(w.requests))
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues req or returns ErrQueueFull.
func (w *Worker) TrySubmit(req inference.Request) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.requests <- req:
		w.metrics.SetQueueDepth(len(w.requests))
		return nil
	default:
		return ErrQueueFull
	}
}

// Requests exposes the request channel. Closing it stops the worker with
// ErrRequestChannelClosed.
func (w *Worker) Requests() chan<- inference.Request {
	return w.requests
}

// Poll returns the next response without blocking.
func (w *Worker) Poll() (inference.Response, bool) {
	select {
	case resp, ok := <-w.responses:
		return resp, ok
	default:
		return nil, false
	}
}

// Responses is closed when the worker stops.
func (w *Worker) Responses() <-chan inference.Response {
	return w.responses
}

// Cancel asks the current generation to stop. Remote backends honour it
// between network calls; local generation runs to completion.
func (w *Worker) Cancel() {
	select {
	case w.cancel <- struct{}{}:
	default:
	}
}

// Shutdown sends Shutdown and waits for the worker to stop.
func (w *Worker) Shutdown(ctx context.Context) error {
	if err := w.Submit(ctx, inference.Shutdown{}); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the worker stops and returns why it stopped, nil after
// a Shutdown.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}

// Done is closed when the worker stops.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
