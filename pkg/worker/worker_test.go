package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sentinel/pkg/backend"
	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/conversation"
	"github.com/go-go-golems/sentinel/pkg/events"
	"github.com/go-go-golems/sentinel/pkg/inference"
	"github.com/go-go-golems/sentinel/pkg/metrics"
)

// scriptedBackend answers every request through reply, which defaults to
// echoing the model name.
type scriptedBackend struct {
	model   string
	factory *scriptedFactory
}

func (b *scriptedBackend) Infer(ctx context.Context, req *backend.Request) (string, error) {
	f := b.factory
	if n := atomic.AddInt32(&f.inFlight, 1); n > 1 {
		atomic.StoreInt32(&f.overlap, 1)
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply := f.reply
	f.mu.Unlock()

	if reply != nil {
		return reply(b.model, req)
	}
	return b.model, nil
}

func (b *scriptedBackend) Close() error {
	return nil
}

type scriptedFactory struct {
	mu       sync.Mutex
	requests []*backend.Request
	reply    func(model string, req *backend.Request) (string, error)
	fail     map[string]bool

	inFlight int32
	overlap  int32
	opened   int32
}

func (f *scriptedFactory) Open(ctx context.Context, cfg *config.File, m *config.ModelProfile) (backend.Backend, error) {
	if f.fail[m.Name] {
		return nil, errors.Errorf("cannot load %s", m.Name)
	}
	atomic.AddInt32(&f.opened, 1)
	return &scriptedBackend{model: m.Name, factory: f}, nil
}

func (f *scriptedFactory) opens() int {
	return int(atomic.LoadInt32(&f.opened))
}

func (f *scriptedFactory) lastRequest() *backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) PublishEvent(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []events.EventType
	for _, e := range r.events {
		ret = append(ret, e.Type())
	}
	return ret
}

func testConfig() *config.File {
	f := config.Default()
	f.DisplayName = "Bob"
	f.Models = []config.ModelProfile{
		{Name: "main", Path: "/models/main.gguf", ContextSize: 4096, PromptInstructTemplate: "<|chat_history|>\n<|character_name|>:"},
		{Name: "other", RemoteServer: "http://localhost:5001", ContextSize: 2048, PromptInstructTemplate: "<|similar_sentences|><|chat_history|>"},
	}
	return f
}

func newContext(turns ...conversation.Turn) *inference.Context {
	alice := &conversation.Character{Name: "Alice"}
	conv := conversation.New()
	for _, t := range turns {
		conv.Push(t)
	}
	return inference.NewContext(alice, conv, config.SamplingProfile{})
}

func startWorker(t *testing.T, f *scriptedFactory, options ...Option) *Worker {
	w, err := New(testConfig(), "main", f, options...)
	require.NoError(t, err)
	w.Start(context.Background())

	resp := next(t, w)
	require.Equal(t, inference.ModelLoaded{Model: "main"}, resp)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Shutdown(ctx)
	})
	return w
}

func next(t *testing.T, w *Worker) inference.Response {
	select {
	case resp, ok := <-w.Responses():
		require.True(t, ok, "response channel closed")
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a response")
		return nil
	}
}

func nextText(t *testing.T, w *Worker) inference.NewText {
	resp := next(t, w)
	text, ok := resp.(inference.NewText)
	require.True(t, ok, "expected NewText, got %T", resp)
	return text
}

func infer(t *testing.T, w *Worker, ic *inference.Context) inference.NewText {
	require.NoError(t, w.Submit(context.Background(), inference.NewTextInference(ic)))
	return nextText(t, w)
}

func TestOneResponsePerRequestInOrder(t *testing.T) {
	f := &scriptedFactory{
		reply: func(model string, req *backend.Request) (string, error) {
			time.Sleep(time.Millisecond)
			return " reply", nil
		},
	}
	w := startWorker(t, f)

	const n = 25
	var contexts []*inference.Context
	for i := 0; i < n; i++ {
		contexts = append(contexts, newContext(conversation.NewTurn("Bob", "message")))
	}
	go func() {
		for _, ic := range contexts {
			if err := w.Submit(context.Background(), inference.NewTextInference(ic)); err != nil {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		resp := nextText(t, w)
		require.NotNil(t, resp.Text)
		assert.Equal(t, " reply", *resp.Text)
		assert.Equal(t, contexts[i].ID, resp.Context.ID)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.overlap))

	_, ok := w.Poll()
	assert.False(t, ok)
}

func TestFailuresAnswerWithNil(t *testing.T) {
	f := &scriptedFactory{}
	w := startWorker(t, f)

	t.Run("backend error", func(t *testing.T) {
		f.reply = func(string, *backend.Request) (string, error) {
			return "", errors.New("boom")
		}
		resp := infer(t, w, newContext(conversation.NewTurn("Bob", "hi")))
		assert.Nil(t, resp.Text)
		assert.NotNil(t, resp.Context)
	})

	t.Run("panic", func(t *testing.T) {
		f.reply = func(string, *backend.Request) (string, error) {
			panic("bad request")
		}
		resp := infer(t, w, newContext(conversation.NewTurn("Bob", "hi")))
		assert.Nil(t, resp.Text)
	})

	t.Run("speaker outside the conversation", func(t *testing.T) {
		f.reply = nil
		ic := newContext()
		ic.Character = &conversation.Character{Name: "Mallory"}
		resp := infer(t, w, ic)
		assert.Nil(t, resp.Text)
	})

	t.Run("nil context", func(t *testing.T) {
		require.NoError(t, w.Submit(context.Background(), inference.TextInference{}))
		assert.Nil(t, nextText(t, w).Text)
	})

	t.Run("worker still serves", func(t *testing.T) {
		f.reply = nil
		resp := infer(t, w, newContext(conversation.NewTurn("Bob", "hi")))
		require.NotNil(t, resp.Text)
		assert.Equal(t, "main", *resp.Text)
	})
}

func TestStopOnNames(t *testing.T) {
	f := &scriptedFactory{
		reply: func(string, *backend.Request) (string, error) {
			return " Sure thing.\nBob: and then", nil
		},
	}
	w := startWorker(t, f)

	resp := infer(t, w, newContext(conversation.NewTurn("Bob", "Hello"), conversation.NewTurn("Alice", "Hi")))
	require.NotNil(t, resp.Text)
	assert.Equal(t, " Sure thing.\n", *resp.Text)

	req := f.lastRequest()
	assert.Equal(t, []string{"Bob: ", "Alice: "}, req.StopSequences)
	assert.Equal(t, "Bob: Hello\nAlice: Hi\nAlice:", req.Prompt)
	assert.Equal(t, 4096, req.ContextTokens)
	assert.Equal(t, config.DefaultMaximumNewTokens, req.MaxNewTokens)

	t.Run("disabled by configuration", func(t *testing.T) {
		cfg := testConfig()
		cfg.StopOnDisplayName = false
		require.NoError(t, w.Submit(context.Background(), inference.ReloadConfiguration{Config: cfg}))
		resp := infer(t, w, newContext(conversation.NewTurn("Bob", "Hello")))
		require.NotNil(t, resp.Text)
		assert.Equal(t, " Sure thing.\nBob: and then", *resp.Text)
		assert.Empty(t, f.lastRequest().StopSequences)
	})
}

func TestReloadConfiguration(t *testing.T) {
	f := &scriptedFactory{}
	w := startWorker(t, f)

	cfg := testConfig()
	cfg.DisplayName = "Carol"
	cfg.Models[0].PromptInstructTemplate = "<|user_name|>"
	cfg.Models[0].ContextSize = 1234
	require.NoError(t, w.Submit(context.Background(), inference.ReloadConfiguration{Config: cfg}))
	infer(t, w, newContext())
	assert.Equal(t, "Carol", f.lastRequest().Prompt)
	assert.Equal(t, 1234, f.lastRequest().ContextTokens)
	assert.Equal(t, 1, f.opens(), "reload keeps the loaded model")

	t.Run("invalid configuration is ignored", func(t *testing.T) {
		bad := testConfig()
		bad.Models[0].RemoteServer = "http://x"
		require.NoError(t, w.Submit(context.Background(), inference.ReloadConfiguration{Config: bad}))
		infer(t, w, newContext())
		assert.Equal(t, "Carol", f.lastRequest().Prompt)
	})
}

func TestModelOverride(t *testing.T) {
	f := &scriptedFactory{}
	reg := prometheus.NewRegistry()
	m := metrics.NewWorker(reg)
	w := startWorker(t, f, WithMetrics(m))

	ic := newContext(conversation.NewTurn("Bob", "hi"))
	ic.ModelOverride = "other"
	resp := infer(t, w, ic)
	require.NotNil(t, resp.Text)
	assert.Equal(t, "other", *resp.Text)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelSwaps))

	t.Run("similar sentences degrade to empty without augmenter", func(t *testing.T) {
		assert.Equal(t, "Bob: hi", f.lastRequest().Prompt)
	})

	resp = infer(t, w, newContext(conversation.NewTurn("Bob", "hi")))
	require.NotNil(t, resp.Text)
	assert.Equal(t, "main", *resp.Text)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ModelSwaps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("main", metrics.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("other", metrics.OutcomeOK)))
}

func TestEventsAndFragments(t *testing.T) {
	sink := &recordingSink{}
	f := &scriptedFactory{
		reply: func(model string, req *backend.Request) (string, error) {
			for _, d := range []string{" Hel", "lo"} {
				require.NoError(t, req.OnFragment(d))
			}
			return " Hello", nil
		},
	}
	w := startWorker(t, f, WithEventSink(sink))

	resp := infer(t, w, newContext(conversation.NewTurn("Bob", "hi")))
	require.NotNil(t, resp.Text)

	assert.Equal(t, []events.EventType{
		events.EventTypeModelLoaded,
		events.EventTypeStart,
		events.EventTypeFragment,
		events.EventTypeFragment,
		events.EventTypeFinal,
	}, sink.types())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	frag, ok := sink.events[3].(*events.EventFragment)
	require.True(t, ok)
	assert.Equal(t, "lo", frag.Delta)
	assert.Equal(t, " Hello", frag.Completion)
	final, ok := sink.events[4].(*events.EventFinal)
	require.True(t, ok)
	assert.Equal(t, resp.Context.ID, final.Metadata().RequestID)
	require.NotNil(t, final.Metadata().DurationMs)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	sink := &recordingSink{}
	f := &scriptedFactory{
		reply: func(model string, req *backend.Request) (string, error) {
			started <- struct{}{}
			<-proceed
			if req.Cancelled() {
				return "", backend.ErrCancelled
			}
			return "done", nil
		},
	}

	t.Run("stale cancel does not affect the next request", func(t *testing.T) {
		w := startWorker(t, f, WithEventSink(sink))
		w.Cancel()
		w.Cancel()
		require.NoError(t, w.Submit(context.Background(), inference.NewTextInference(newContext())))
		<-started
		close(proceed)
		resp := nextText(t, w)
		require.NotNil(t, resp.Text)
		assert.Equal(t, "done", *resp.Text)
	})

	t.Run("cancel during generation", func(t *testing.T) {
		proceed = make(chan struct{})
		w := startWorker(t, f, WithEventSink(sink))
		require.NoError(t, w.Submit(context.Background(), inference.NewTextInference(newContext())))
		<-started
		w.Cancel()
		close(proceed)
		resp := nextText(t, w)
		assert.Nil(t, resp.Text)
		types := sink.types()
		assert.Equal(t, events.EventTypeInterrupt, types[len(types)-1])
	})
}

func TestDebugDir(t *testing.T) {
	dir := t.TempDir()
	f := &scriptedFactory{
		reply: func(string, *backend.Request) (string, error) {
			return "raw\nBob: more", nil
		},
	}
	w := startWorker(t, f, WithDebugDir(dir))
	infer(t, w, newContext(conversation.NewTurn("Bob", "hi")))

	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Bob: hi\nAlice:", string(prompt))
	result, err := os.ReadFile(filepath.Join(dir, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "raw\nBob: more", string(result))
}

func TestLifecycle(t *testing.T) {
	t.Run("unknown default model", func(t *testing.T) {
		_, err := New(testConfig(), "missing", &scriptedFactory{})
		assert.ErrorIs(t, err, config.ErrModelNotFound)
	})

	t.Run("load failure ends the worker", func(t *testing.T) {
		w, err := New(testConfig(), "main", &scriptedFactory{fail: map[string]bool{"main": true}})
		require.NoError(t, err)
		w.Start(context.Background())
		assert.Error(t, w.Wait())
		_, ok := <-w.Responses()
		assert.False(t, ok)
		assert.ErrorIs(t, w.Submit(context.Background(), inference.Shutdown{}), ErrStopped)
	})

	t.Run("queue full", func(t *testing.T) {
		w, err := New(testConfig(), "main", &scriptedFactory{}, WithQueueCapacity(1))
		require.NoError(t, err)
		require.NoError(t, w.TrySubmit(inference.Shutdown{}))
		assert.ErrorIs(t, w.TrySubmit(inference.Shutdown{}), ErrQueueFull)
	})

	t.Run("shutdown drops queued requests", func(t *testing.T) {
		w, err := New(testConfig(), "main", &scriptedFactory{})
		require.NoError(t, err)
		require.NoError(t, w.TrySubmit(inference.Shutdown{}))
		require.NoError(t, w.TrySubmit(inference.NewTextInference(newContext())))
		w.Start(context.Background())
		require.NoError(t, w.Wait())

		var got []inference.Response
		for resp := range w.Responses() {
			got = append(got, resp)
		}
		assert.Equal(t, []inference.Response{inference.ModelLoaded{Model: "main"}}, got)
		assert.ErrorIs(t, w.TrySubmit(inference.Shutdown{}), ErrStopped)
	})

	t.Run("closed request channel", func(t *testing.T) {
		w, err := New(testConfig(), "main", &scriptedFactory{})
		require.NoError(t, err)
		w.Start(context.Background())
		close(w.Requests())
		assert.ErrorIs(t, w.Wait(), ErrRequestChannelClosed)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		w, err := New(testConfig(), "main", &scriptedFactory{})
		require.NoError(t, err)
		w.Start(ctx)
		next(t, w)
		cancel()
		assert.ErrorIs(t, w.Wait(), context.Canceled)
	})
}

func TestContinuation(t *testing.T) {
	f := &scriptedFactory{}
	w := startWorker(t, f)
	ic := newContext(conversation.NewTurn("Bob", "Hi"), conversation.NewTurn("Alice", "Hello wor"))
	ic.ContinueLastTurn = true
	infer(t, w, ic)
	assert.True(t, strings.HasSuffix(f.lastRequest().Prompt, "Hello wor"))
}
