// Package metrics exposes the service's Prometheus collectors. They register
// with the default registry at init and are served on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "halo"

var (
	GenerateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generate_requests_total",
		Help:      "Generate requests by outcome (ok or the error kind)",
	}, []string{"outcome"})

	StopReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generate_stop_reason_total",
		Help:      "Successful generations by stop reason",
	}, []string{"reason"})

	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_generated_total",
		Help:      "Tokens produced by the decoding loop, end marker included",
	})

	PromptTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prompt_tokens_total",
		Help:      "Prompt tokens consumed",
	})

	GenerateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generate_duration_seconds",
		Help:      "Wall time of the decoding loop",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	LoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_load_duration_seconds",
		Help:      "Time spent opening the tokenizer and model per request",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "generate_in_flight",
		Help:      "Requests currently admitted",
	})

	Rejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generate_rejected_total",
		Help:      "Requests refused because no slot freed up in time",
	})
)

// RecordSuccess accounts for one completed generation.
func RecordSuccess(stopReason string, prompt, generated int, load, decode time.Duration) {
	GenerateRequests.WithLabelValues("ok").Inc()
	StopReasons.WithLabelValues(stopReason).Inc()
	PromptTokens.Add(float64(prompt))
	TokensGenerated.Add(float64(generated))
	LoadDuration.Observe(load.Seconds())
	GenerateDuration.Observe(decode.Seconds())
}

// RecordFailure accounts for a request that ended with an error of kind.
func RecordFailure(kind string) {
	GenerateRequests.WithLabelValues(kind).Inc()
}

func RecordRejected() {
	Rejected.Inc()
	GenerateRequests.WithLabelValues("busy").Inc()
}
