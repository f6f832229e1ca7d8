package backend

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/sampling"
)

// OpenAICompletion generates through the streaming /v1/completions endpoint
// of an OpenAI-compatible server.
type OpenAICompletion struct {
	client *openai.Client
	model  string
}

var _ Backend = &OpenAICompletion{}

func NewOpenAICompletion(host string, m *config.ModelProfile, httpClient *http.Client) *OpenAICompletion {
	cfg := openai.DefaultConfig(m.RemoteAPIKey)
	if !strings.HasSuffix(host, "/v1") {
		host += "/v1"
	}
	cfg.BaseURL = host
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	} else {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(m.TimeoutSeconds()) * time.Second}
	}

	model := m.RemoteModel
	if model == "" {
		model = m.Name
	}
	return &OpenAICompletion{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (o *OpenAICompletion) request(req *Request) openai.CompletionRequest {
	r := sampling.Flatten(req.Sampling)
	ret := openai.CompletionRequest{
		Model:     o.model,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxNewTokens,
		Stop:      req.StopSequences,
		Stream:    true,
	}
	if r.Temperature != nil {
		ret.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		ret.TopP = *r.TopP
	}
	return ret
}

// Infer streams the completion, forwarding each delta. The cancel signal
// is checked between reads; on cancel the text so far is returned with
// ErrCancelled.
func (o *OpenAICompletion) Infer(ctx context.Context, req *Request) (string, error) {
	if req.cancelled() {
		return "", ErrCancelled
	}
	stream, err := o.client.CreateCompletionStream(ctx, o.request(req))
	if err != nil {
		return "", errors.Wrap(err, "could not start completion stream")
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close completion stream")
		}
	}()

	var sb strings.Builder
	chunks := 0
	for {
		if req.cancelled() {
			return sb.String(), ErrCancelled
		}
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "completion stream failed")
		}
		chunks++
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Text
		sb.WriteString(delta)
		if err := req.fragment(delta); err != nil {
			return "", err
		}
	}

	log.Debug().Str("model", o.model).Int("chunks", chunks).Int("chars", sb.Len()).Msg("Completion stream finished")
	if sb.Len() == 0 {
		return "", ErrEmptyResult
	}
	return sb.String(), nil
}

func (o *OpenAICompletion) Close() error {
	return nil
}
