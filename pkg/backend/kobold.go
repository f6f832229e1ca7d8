package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/sampling"
)

const koboldGeneratePath = "/api/v1/generate"

type koboldRequest struct {
	Prompt           string   `json:"prompt"`
	MaxContextLength int      `json:"max_context_length"`
	MaxLength        int      `json:"max_length"`
	Temperature      *float32 `json:"temperature,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	TopP             *float32 `json:"top_p,omitempty"`
	MinP             *float32 `json:"min_p,omitempty"`
	RepPen           *float32 `json:"rep_pen,omitempty"`
	RepPenRange      *int     `json:"rep_pen_range,omitempty"`
	Mirostat         *int     `json:"mirostat,omitempty"`
	MirostatTau      *float32 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float32 `json:"mirostat_eta,omitempty"`
	TrimStop         bool     `json:"trim_stop"`
	StopSequence     []string `json:"stop_sequence,omitempty"`
}

type koboldResponse struct {
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
}

// Kobold generates through a KoboldAI-compatible /api/v1/generate endpoint.
type Kobold struct {
	url        string
	model      string
	client     *http.Client
	retries    int
	newBackOff func() backoff.BackOff
	breaker    *gobreaker.CircuitBreaker
}

var _ Backend = &Kobold{}

type KoboldOption func(*Kobold)

func WithKoboldHTTPClient(c *http.Client) KoboldOption {
	return func(k *Kobold) {
		timeout := k.client.Timeout
		clone := *c
		if clone.Timeout == 0 {
			clone.Timeout = timeout
		}
		k.client = &clone
	}
}

// WithBackOff replaces the exponential backoff between retries.
func WithBackOff(f func() backoff.BackOff) KoboldOption {
	return func(k *Kobold) {
		k.newBackOff = f
	}
}

// WithBreakerSettings replaces the circuit breaker.
func WithBreakerSettings(s gobreaker.Settings) KoboldOption {
	return func(k *Kobold) {
		k.breaker = gobreaker.NewCircuitBreaker(s)
	}
}

// NewKobold talks to host, a base URL as returned by security.HostPolicy.
func NewKobold(host string, m *config.ModelProfile, options ...KoboldOption) *Kobold {
	k := &Kobold{
		url:     host + koboldGeneratePath,
		model:   m.Name,
		client:  &http.Client{Timeout: time.Duration(m.TimeoutSeconds()) * time.Second},
		retries: m.Retries(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	k.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kobold:" + m.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Remote circuit breaker changed state")
		},
	})
	for _, o := range options {
		o(k)
	}
	return k
}

func (k *Kobold) body(req *Request) koboldRequest {
	r := sampling.Flatten(req.Sampling)
	return koboldRequest{
		Prompt:           req.Prompt,
		MaxContextLength: req.ContextTokens,
		MaxLength:        req.MaxNewTokens,
		Temperature:      r.Temperature,
		TopK:             r.TopK,
		TopP:             r.TopP,
		MinP:             r.MinP,
		RepPen:           r.RepeatPenalty,
		RepPenRange:      r.RepeatRange,
		Mirostat:         r.Mirostat,
		MirostatTau:      r.MirostatTau,
		MirostatEta:      r.MirostatEta,
		TrimStop:         true,
		StopSequence:     req.StopSequences,
	}
}

// Infer posts the prompt, retrying transport failures that are not
// timeouts. The cancel signal is checked before every attempt.
func (k *Kobold) Infer(ctx context.Context, req *Request) (string, error) {
	payload, err := json.Marshal(k.body(req))
	if err != nil {
		return "", errors.Wrap(err, "could not marshal request")
	}

	attempt := 0
	var text string
	operation := func() error {
		if req.cancelled() {
			return backoff.Permanent(ErrCancelled)
		}
		attempt++
		ret, err := k.breaker.Execute(func() (interface{}, error) {
			return k.post(ctx, payload)
		})
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			log.Warn().Err(err).Str("model", k.model).Int("attempt", attempt).Msg("Remote generation failed, retrying")
			return err
		}
		text = ret.(string)
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(k.newBackOff(), uint64(k.retries)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return "", errors.Wrapf(err, "kobold generate on %s", k.url)
	}
	if err := req.fragment(text); err != nil {
		return "", err
	}
	return text, nil
}

func (k *Kobold) post(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, k.url, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "could not create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var result koboldResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, "could not decode response")
	}
	if len(result.Results) == 0 {
		return "", ErrEmptyResult
	}
	return result.Results[0].Text, nil
}

func (k *Kobold) Close() error {
	k.client.CloseIdleConnections()
	return nil
}

// retryable is true for transport failures other than timeouts.
func retryable(err error) bool {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr),
		errors.Is(err, ErrEmptyResult),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var jsonErr *json.SyntaxError
	return !errors.As(err, &jsonErr)
}
