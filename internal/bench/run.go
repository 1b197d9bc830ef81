// Package bench runs concurrent sandbox lifecycle batches per provider and
// collects the timing samples.
package bench

import (
	"time"

	"github.com/p-arndt/sandbench/internal/provider"
	"github.com/p-arndt/sandbench/internal/stats"
)

// Sample is one completed sandbox lifecycle.
type Sample struct {
	Provider       string  `json:"provider"`
	BatchIndex     int     `json:"batch_index"`
	RunIndex       int     `json:"run_index"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// RunConfig is the part of a run's configuration that is persisted.
type RunConfig struct {
	Concurrent int               `json:"concurrent"`
	Batches    int               `json:"batches"`
	VM         provider.VMConfig `json:"vm_config"`

	// PythonVersion is the interpreter version the sandbox images ship.
	PythonVersion string `json:"python_version,omitempty"`
}

func (c RunConfig) TotalRuns() int {
	return c.Concurrent * c.Batches
}

// Run is the write-once aggregate of one invocation. Providers with zero
// successful samples never appear in Results or Statistics.
type Run struct {
	ID         string
	Timestamp  time.Time
	Config     RunConfig
	Order      []string
	Results    map[string][]float64
	Samples    map[string][]Sample
	Failures   map[string]int
	Statistics map[string]stats.Statistics
}

func newRun(id string, cfg RunConfig) *Run {
	return &Run{
		ID:         id,
		Config:     cfg,
		Results:    make(map[string][]float64),
		Samples:    make(map[string][]Sample),
		Failures:   make(map[string]int),
		Statistics: make(map[string]stats.Statistics),
	}
}

// record stores a provider's outcome. Zero-sample providers only keep their
// failure count.
func (r *Run) record(name string, samples []Sample, failures int) {
	if failures > 0 {
		r.Failures[name] = failures
	}
	if len(samples) == 0 {
		return
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.ElapsedSeconds
	}
	r.Order = append(r.Order, name)
	r.Results[name] = values
	r.Samples[name] = samples
	r.Statistics[name] = stats.Compute(values)
}

// Providers returns the providers with results, in benchmark order.
func (r *Run) Providers() []string {
	return r.Order
}

// NewRunFromSamples rebuilds a Run from stored samples, e.g. from the history
// store. Provider order follows first appearance in samples.
func NewRunFromSamples(id string, ts time.Time, cfg RunConfig, samples []Sample, failures map[string]int) *Run {
	r := newRun(id, cfg)
	r.Timestamp = ts
	grouped := make(map[string][]Sample)
	var order []string
	for _, s := range samples {
		if _, ok := grouped[s.Provider]; !ok {
			order = append(order, s.Provider)
		}
		grouped[s.Provider] = append(grouped[s.Provider], s)
	}
	for _, name := range order {
		r.record(name, grouped[name], 0)
	}
	for name, n := range failures {
		if n > 0 {
			r.Failures[name] = n
		}
	}
	return r
}
