package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/helpers"
)

func remoteProfile(url string) *config.ModelProfile {
	return &config.ModelProfile{
		Name:         "remote",
		RemoteServer: url,
		ContextSize:  2048,
	}
}

func noWait() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func TestKoboldRequestBody(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body = map[string]interface{}{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"results":[{"text":" Hello there"}]}`))
	}))
	defer server.Close()

	k := NewKobold(server.URL, remoteProfile(server.URL))
	var fragments []string
	text, err := k.Infer(context.Background(), &Request{
		Prompt:        "User: Hi\nAlice:",
		Sampling:      &config.SamplingProfile{Mirostat: helpers.Ptr(2), MirostatTau: helpers.Ptr(float32(4)), TopK: helpers.Ptr(99)},
		MaxNewTokens:  150,
		ContextTokens: 2048,
		StopSequences: []string{"USER: ", "Alice: "},
		OnFragment: func(delta string) error {
			fragments = append(fragments, delta)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, " Hello there", text)
	assert.Equal(t, []string{" Hello there"}, fragments)

	assert.Equal(t, "User: Hi\nAlice:", body["prompt"])
	assert.Equal(t, float64(2048), body["max_context_length"])
	assert.Equal(t, float64(150), body["max_length"])
	assert.Equal(t, true, body["trim_stop"])
	assert.Equal(t, []interface{}{"USER: ", "Alice: "}, body["stop_sequence"])
	assert.Equal(t, float64(2), body["mirostat"])
	assert.Equal(t, float64(4), body["mirostat_tau"])
	assert.Equal(t, float64(0), body["top_k"])
	assert.Equal(t, float64(1), body["temperature"])

	t.Run("no stop sequence when disabled", func(t *testing.T) {
		_, err := k.Infer(context.Background(), &Request{Prompt: "x"})
		require.NoError(t, err)
		_, ok := body["stop_sequence"]
		assert.False(t, ok)
		_, ok = body["temperature"]
		assert.False(t, ok)
	})
}

func TestKoboldFailures(t *testing.T) {
	t.Run("non-200 is not retried", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		k := NewKobold(server.URL, remoteProfile(server.URL), WithBackOff(noWait))
		_, err := k.Infer(context.Background(), &Request{Prompt: "x"})
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})

	t.Run("empty results", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results":[]}`))
		}))
		defer server.Close()

		k := NewKobold(server.URL, remoteProfile(server.URL), WithBackOff(noWait))
		_, err := k.Infer(context.Background(), &Request{Prompt: "x"})
		assert.ErrorIs(t, err, ErrEmptyResult)
	})

	t.Run("dropped connections are retried", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&hits, 1) < 3 {
				conn, _, err := w.(http.Hijacker).Hijack()
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			_, _ = w.Write([]byte(`{"results":[{"text":"ok"}]}`))
		}))
		defer server.Close()

		k := NewKobold(server.URL, remoteProfile(server.URL), WithBackOff(noWait))
		text, err := k.Infer(context.Background(), &Request{Prompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, "ok", text)
		assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	})

	t.Run("retries stop on cancel", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			conn, _, _ := w.(http.Hijacker).Hijack()
			_ = conn.Close()
		}))
		defer server.Close()

		k := NewKobold(server.URL, remoteProfile(server.URL), WithBackOff(noWait))
		cancelled := false
		_, err := k.Infer(context.Background(), &Request{
			Prompt: "x",
			Cancelled: func() bool {
				ret := cancelled
				cancelled = true
				return ret
			},
		})
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})

	t.Run("retry limit", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			conn, _, _ := w.(http.Hijacker).Hijack()
			_ = conn.Close()
		}))
		defer server.Close()

		m := remoteProfile(server.URL)
		m.RemoteRetries = helpers.Ptr(1)
		k := NewKobold(server.URL, m, WithBackOff(noWait))
		_, err := k.Infer(context.Background(), &Request{Prompt: "x"})
		assert.Error(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	})

	t.Run("open breaker fails fast", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		k := NewKobold(server.URL, remoteProfile(server.URL), WithBackOff(noWait),
			WithBreakerSettings(gobreaker.Settings{
				Name: "test",
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 1
				},
			}))
		_, err := k.Infer(context.Background(), &Request{Prompt: "x"})
		require.Error(t, err)
		_, err = k.Infer(context.Background(), &Request{Prompt: "x"})
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})
}
