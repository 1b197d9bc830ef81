package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandbench/internal/bench"
)

func feed(r *Recorder) {
	events := make(chan bench.Event, 8)
	events <- bench.Event{Kind: bench.EventProviderStarted, Provider: "docker"}
	events <- bench.Event{Kind: bench.EventSampleRecorded, Provider: "docker", Sample: bench.Sample{Provider: "docker", ElapsedSeconds: 1.5}}
	events <- bench.Event{Kind: bench.EventSampleRecorded, Provider: "docker", Sample: bench.Sample{Provider: "docker", ElapsedSeconds: 0.5}}
	events <- bench.Event{Kind: bench.EventSampleFailed, Provider: "docker", Err: errors.New("boom")}
	events <- bench.Event{Kind: bench.EventBatchFinished, Provider: "docker"}
	events <- bench.Event{Kind: bench.EventProviderSkipped, Provider: "runloop"}
	close(events)
	bench.Drain(events, r)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	feed(r)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("docker")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.batches.WithLabelValues("docker")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.skipped.WithLabelValues("runloop")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.lifecycle))

	mfs, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "sandbench_lifecycle_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(2), h.GetSampleCount())
		assert.InDelta(t, 2.0, h.GetSampleSum(), 1e-9)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	feed(r)

	path := filepath.Join(t.TempDir(), "sandbench.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `sandbench_lifecycle_seconds_count{provider="docker"} 2`)
	assert.Contains(t, out, `sandbench_lifecycle_failures_total{provider="docker"} 1`)
	assert.Contains(t, out, `sandbench_batches_total{provider="docker"} 1`)
}

func TestWriteTextfile_BadDir(t *testing.T) {
	r := NewRecorder()
	err := r.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"))
	assert.Error(t, err)
}
