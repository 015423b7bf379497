package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "resume_matcher"

// Outcome labels for provider calls.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeError     = "error"
)

// Metrics groups the collectors of one run. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	TaskRetries     *prometheus.CounterVec
	TaskFailures    *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ProviderCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of embedding and reranking provider calls",
			},
			[]string{"provider", "op", "outcome"},
		),
		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider", "op"},
		),
		TaskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of requeued retrieval tasks",
			},
			[]string{"stage"},
		),
		TaskFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_failures_total",
				Help:      "Total number of retrieval tasks that gave up",
			},
			[]string{"stage", "reason"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_lookups_total",
				Help:      "Embedding cache lookups by result",
			},
			[]string{"backend", "result"},
		),
	}
}

// NewNop returns metrics registered on a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveProviderCall records one provider call that started at start.
func (m *Metrics) ObserveProviderCall(provider, op, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, op, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Retry(stage string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) Failure(stage, reason string) {
	if m == nil {
		return
	}
	m.TaskFailures.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) CacheLookup(backend, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(backend, result).Inc()
}

// WriteTextfile dumps the registry in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
