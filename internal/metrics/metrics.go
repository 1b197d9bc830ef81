// Package metrics turns benchmark events into Prometheus metrics that can be
// written as a node_exporter textfile.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/p-arndt/sandbench/internal/bench"
)

// Recorder implements bench.Handler.
type Recorder struct {
	reg *prometheus.Registry

	lifecycle *prometheus.HistogramVec
	failures  *prometheus.CounterVec
	batches   *prometheus.CounterVec
	skipped   *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		lifecycle: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandbench_lifecycle_seconds",
			Help:    "Wall-clock time of one sandbox lifecycle from create to teardown.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbench_lifecycle_failures_total",
			Help: "Sandbox lifecycles that failed and were excluded from results.",
		}, []string{"provider"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbench_batches_total",
			Help: "Completed batches.",
		}, []string{"provider"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbench_providers_skipped_total",
			Help: "Providers skipped before their first batch.",
		}, []string{"provider"}),
	}
}

func (r *Recorder) Handle(ev bench.Event) {
	switch ev.Kind {
	case bench.EventSampleRecorded:
		r.lifecycle.WithLabelValues(ev.Provider).Observe(ev.Sample.ElapsedSeconds)
	case bench.EventSampleFailed:
		r.failures.WithLabelValues(ev.Provider).Inc()
	case bench.EventBatchFinished:
		r.batches.WithLabelValues(ev.Provider).Inc()
	case bench.EventProviderSkipped:
		r.skipped.WithLabelValues(ev.Provider).Inc()
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// WriteTextfile atomically writes all metrics in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
