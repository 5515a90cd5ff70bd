// Package metrics exposes Prometheus metrics for lens transitions.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

// Metrics records lens engine activity. A nil *Metrics records nothing.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Stashed     prometheus.Counter
	Restored    prometheus.Counter
	StashBytes  prometheus.Counter
	Depth       prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_transitions_total",
				Help: "Lens operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lens_transition_duration_seconds",
				Help:    "Lens operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"op"},
		),
		Stashed: f.NewCounter(prometheus.CounterOpts{
			Name: "lens_entries_stashed_total",
			Help: "Entries handed to the stash by focus",
		}),
		Restored: f.NewCounter(prometheus.CounterOpts{
			Name: "lens_entries_restored_total",
			Help: "Entries restored from the stash by unfocus",
		}),
		StashBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "lens_stashed_bytes_total",
			Help: "Bytes handed to the stash by focus",
		}),
		Depth: f.NewGauge(prometheus.GaugeOpts{
			Name: "lens_stack_depth",
			Help: "Lens stack depth after the last transition",
		}),
	}
}

// ObserveTransition records one finished operation.
// missed marks a soft miss on an otherwise successful operation.
func (m *Metrics) ObserveTransition(op string, start time.Time, missed bool, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	switch {
	case err != nil:
		outcome = OutcomeError
	case missed:
		outcome = OutcomeMiss
	}
	m.Transitions.WithLabelValues(op, outcome).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveStashed records entries handed to the stash.
func (m *Metrics) ObserveStashed(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.Stashed.Add(float64(entries))
	m.StashBytes.Add(float64(bytes))
}

// ObserveRestored records entries restored from the stash.
func (m *Metrics) ObserveRestored(entries int) {
	if m == nil {
		return
	}
	m.Restored.Add(float64(entries))
}

// ObserveDepth records the stack depth after a transition.
func (m *Metrics) ObserveDepth(depth int) {
	if m == nil {
		return
	}
	m.Depth.Set(float64(depth))
}

// WriteTextfile writes the metrics gathered by g to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return errors.New("metrics: empty textfile path")
	}
	return prometheus.WriteToTextfile(path, g)
}
