package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/helpers"
)

func completionServer(t *testing.T, deltas []string, seen *map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		if seen != nil {
			*seen = map[string]interface{}{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			payload, _ := json.Marshal(map[string]interface{}{
				"id":      "cmpl-1",
				"object":  "text_completion",
				"model":   "m",
				"choices": []map[string]interface{}{{"text": d, "index": 0}},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAICompletionStreams(t *testing.T) {
	var body map[string]interface{}
	server := completionServer(t, []string{" Hel", "lo", "!"}, &body)
	defer server.Close()

	m := remoteProfile(server.URL)
	m.RemoteAPI = config.RemoteAPIOpenAI
	m.RemoteModel = "tiny"
	o := NewOpenAICompletion(server.URL, m, server.Client())

	var fragments []string
	text, err := o.Infer(context.Background(), &Request{
		Prompt:        "User: Hi\nAlice:",
		Sampling:      &config.SamplingProfile{Temperature: helpers.Ptr(float32(0.5))},
		MaxNewTokens:  32,
		StopSequences: []string{"User: "},
		OnFragment: func(delta string) error {
			fragments = append(fragments, delta)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, " Hello!", text)
	assert.Equal(t, []string{" Hel", "lo", "!"}, fragments)

	assert.Equal(t, "tiny", body["model"])
	assert.Equal(t, "User: Hi\nAlice:", body["prompt"])
	assert.Equal(t, float64(32), body["max_tokens"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, []interface{}{"User: "}, body["stop"])
	assert.InDelta(t, 0.5, body["temperature"], 1e-6)
}

func TestOpenAICompletionCancel(t *testing.T) {
	server := completionServer(t, []string{"a", "b", "c"}, nil)
	defer server.Close()

	o := NewOpenAICompletion(server.URL+"/v1", remoteProfile(server.URL), server.Client())
	reads := 0
	text, err := o.Infer(context.Background(), &Request{
		Prompt: "x",
		Cancelled: func() bool {
			reads++
			return reads > 2
		},
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "a", text)
}

func TestOpenAICompletionEmpty(t *testing.T) {
	server := completionServer(t, nil, nil)
	defer server.Close()

	o := NewOpenAICompletion(server.URL, remoteProfile(server.URL), server.Client())
	_, err := o.Infer(context.Background(), &Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrEmptyResult)
}
