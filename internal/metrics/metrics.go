package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one pipeline. A nil *Metrics is
// valid and records nothing, so components can be built without one.
type Metrics struct {
	LinesRead         prometheus.Counter
	Events            *prometheus.CounterVec
	Rotations         prometheus.Counter
	ReadErrors        *prometheus.CounterVec
	TailersActive     prometheus.Gauge
	DirectoriesActive prometheus.Gauge
	Subscribers       prometheus.Gauge
	BroadcastFailures prometheus.Counter
}

// New registers the collectors on reg. Each pipeline gets its own registry so
// several can coexist in one process.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LinesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpmon",
			Subsystem: "tailer",
			Name:      "lines_total",
			Help:      "Total number of complete lines read from tailed files.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpmon",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Total number of classified events by category.",
		}, []string{"category"}),
		Rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpmon",
			Subsystem: "tailer",
			Name:      "rotations_total",
			Help:      "Number of detected rotations or truncations.",
		}),
		ReadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpmon",
			Subsystem: "tailer",
			Name:      "read_errors_total",
			Help:      "Failed poll cycles by kind.",
		}, []string{"kind"}), // kind: io, unexpected
		TailersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpmon",
			Subsystem: "discovery",
			Name:      "tailers_active",
			Help:      "Number of files currently being tailed.",
		}),
		DirectoriesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpmon",
			Subsystem: "discovery",
			Name:      "directories_active",
			Help:      "Number of subdirectories with an active watch.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpmon",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of connected push subscribers.",
		}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpmon",
			Subsystem: "hub",
			Name:      "broadcast_failures_total",
			Help:      "Subscribers pruned after a failed push.",
		}),
	}
}

func (m *Metrics) LineRead() {
	if m != nil {
		m.LinesRead.Inc()
	}
}

func (m *Metrics) EventClassified(category string) {
	if m != nil {
		m.Events.WithLabelValues(category).Inc()
	}
}

func (m *Metrics) Rotated() {
	if m != nil {
		m.Rotations.Inc()
	}
}

func (m *Metrics) ReadFailed(kind string) {
	if m != nil {
		m.ReadErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetTailers(n int) {
	if m != nil {
		m.TailersActive.Set(float64(n))
	}
}

func (m *Metrics) SetDirectories(n int) {
	if m != nil {
		m.DirectoriesActive.Set(float64(n))
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.Subscribers.Set(float64(n))
	}
}

func (m *Metrics) BroadcastFailed(n int) {
	if m != nil && n > 0 {
		m.BroadcastFailures.Add(float64(n))
	}
}
