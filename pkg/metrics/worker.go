// Package metrics holds the prometheus collectors of the inference worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Outcome labels for finished requests.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeCancelled = "cancelled"
	OutcomeNoBackend = "no_backend"
)

// Worker is safe to use as a nil pointer, which records nothing.
type Worker struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PromptChars     prometheus.Histogram
	GeneratedChars  prometheus.Histogram
	Fragments       prometheus.Counter
	QueueDepth      prometheus.Gauge
	ModelSwaps      prometheus.Counter
	ActiveModel     *prometheus.GaugeVec
}

// NewWorker registers the worker collectors with reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	f := promauto.With(reg)
	return &Worker{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_requests_total",
			Help:      "Text inference requests by model and outcome",
		}, []string{"model", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time from dequeuing a request to sending its response",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
		PromptChars: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_chars",
			Help:      "Size of assembled prompts in characters",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		}),
		GeneratedChars: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generated_chars",
			Help:      "Size of generated text in characters",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 10),
		}),
		Fragments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Streamed text fragments",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_queue_depth",
			Help:      "Requests waiting for the worker",
		}),
		ModelSwaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_swaps_total",
			Help:      "Times the active model changed",
		}),
		ActiveModel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_model",
			Help:      "1 for the model currently selected",
		}, []string{"model"}),
	}
}

func (w *Worker) ObserveRequest(model string, outcome string, d time.Duration) {
	if w == nil {
		return
	}
	w.Requests.WithLabelValues(model, outcome).Inc()
	w.RequestDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (w *Worker) ObservePrompt(chars int) {
	if w == nil {
		return
	}
	w.PromptChars.Observe(float64(chars))
}

func (w *Worker) ObserveGenerated(chars int) {
	if w == nil {
		return
	}
	w.GeneratedChars.Observe(float64(chars))
}

func (w *Worker) Fragment() {
	if w == nil {
		return
	}
	w.Fragments.Inc()
}

func (w *Worker) SetQueueDepth(n int) {
	if w == nil {
		return
	}
	w.QueueDepth.Set(float64(n))
}

// SetActiveModel records a model change from previous to model.
func (w *Worker) SetActiveModel(previous, model string) {
	if w == nil || previous == model {
		return
	}
	if previous != "" {
		w.ActiveModel.DeleteLabelValues(previous)
		w.ModelSwaps.Inc()
	}
	w.ActiveModel.WithLabelValues(model).Set(1)
}

// Handler serves the collectors of g over HTTP.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
