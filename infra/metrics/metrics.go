package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the capture/replay Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	EventsCaptured  *prometheus.CounterVec
	EventsReplayed  *prometheus.CounterVec
	RecordsReplayed prometheus.Counter
	BytesWritten    *prometheus.CounterVec
	BytesRead       *prometheus.CounterVec
	DecodeFailures  *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_events_captured_total",
			Help: "Events pushed by capture operators.",
		}, []string{"kind"}),

		EventsReplayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_events_replayed_total",
			Help: "Events drained by replay operators.",
		}, []string{"kind"}),

		RecordsReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capflow_records_replayed_total",
			Help: "Data records re-emitted by replay operators.",
		}),

		BytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_bytes_written_total",
			Help: "Encoded event bytes written to sinks.",
		}, []string{"backend"}),

		BytesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_bytes_read_total",
			Help: "Encoded event bytes read from sources.",
		}, []string{"backend"}),

		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_decode_failures_total",
			Help: "Frames that could not be decoded.",
		}, []string{"backend"}),
	}
}

func (m *Metrics) Captured(kind string) {
	if m == nil {
		return
	}
	m.EventsCaptured.WithLabelValues(kind).Inc()
}

func (m *Metrics) Replayed(kind string, records int) {
	if m == nil {
		return
	}
	m.EventsReplayed.WithLabelValues(kind).Inc()
	if records > 0 {
		m.RecordsReplayed.Add(float64(records))
	}
}

func (m *Metrics) Wrote(backend string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) Read(backend string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRead.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) DecodeFailed(backend string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(backend).Inc()
}
