package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the turn pipeline.
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	QuotaRejections   prometheus.Counter
	StreamDeltas      prometheus.Counter
	FirstTokenLatency prometheus.Histogram
	BackgroundTasks   *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed turns by terminal state.",
		}, []string{"outcome"}),
		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Turns rejected because the monthly quota was exhausted.",
		}),
		StreamDeltas: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_deltas_total",
			Help:      "Content increments flushed to clients.",
		}),
		FirstTokenLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_latency_ms",
			Help:      "Latency to the first streamed content delta in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		BackgroundTasks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Background task executions by task name and outcome.",
		}, []string{"task", "outcome"}),
	}
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFirstTokenLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstTokenLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTask(name, outcome string) {
	if m == nil {
		return
	}
	m.BackgroundTasks.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) ObserveDelta() {
	if m == nil {
		return
	}
	m.StreamDeltas.Inc()
}

func (m *Metrics) ObserveQuotaRejection() {
	if m == nil {
		return
	}
	m.QuotaRejections.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
