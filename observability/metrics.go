// Package observability holds the Prometheus metrics of the stream write path
// and the history read path.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chatstream"

// Metrics is safe for concurrent use. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Labels: kind (status, feedback_request, tool_output, chunk, completion, opaque, malformed)
	FramesTotal *prometheus.CounterVec

	// Labels: kind (message kind)
	MessagesPersisted *prometheus.CounterVec

	// Labels: kind. Empty-content candidates dropped by the persister.
	MessagesRejected *prometheus.CounterVec

	// Labels: reason (storage, conflict)
	PersistFailures *prometheus.CounterVec

	// Labels: trigger (envelope, object, terminal, finalize)
	Flushes *prometheus.CounterVec

	// Labels: category, status (success, error)
	StructuredForwards *prometheus.CounterVec

	ActiveStreams prometheus.Gauge

	GroupDuration prometheus.Histogram
}

// NewMetrics registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Stream frames processed, by fragment kind.",
		}, []string{"kind"}),
		MessagesPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_persisted_total",
			Help:      "Messages durably written, by message kind.",
		}, []string{"kind"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_rejected_total",
			Help:      "Candidates dropped for empty content, by message kind.",
		}, []string{"kind"}),
		PersistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persist_failures_total",
			Help:      "Message writes that failed, by reason.",
		}, []string{"reason"}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Accumulator flushes, by trigger.",
		}, []string{"trigger"}),
		StructuredForwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "structured_forwards_total",
			Help:      "Structured payload upserts, by category and status.",
		}, []string{"category", "status"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Exchanges currently streaming.",
		}),
		GroupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "group_duration_seconds",
			Help:      "Time spent regrouping a conversation for display.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Persisted(kind string) {
	if m == nil {
		return
	}
	m.MessagesPersisted.WithLabelValues(kind).Inc()
}

func (m *Metrics) Rejected(kind string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) PersistFailed(reason string) {
	if m == nil {
		return
	}
	m.PersistFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Flush(trigger string) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(trigger).Inc()
}

func (m *Metrics) StructuredForward(category string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StructuredForwards.WithLabelValues(category, status).Inc()
}

// StreamStarted increments the active stream gauge and returns the matching decrement.
func (m *Metrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveStreams.Inc()
	return m.ActiveStreams.Dec
}

func (m *Metrics) ObserveGroup(seconds float64) {
	if m == nil {
		return
	}
	m.GroupDuration.Observe(seconds)
}
