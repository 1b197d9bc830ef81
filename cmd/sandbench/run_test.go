package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandbench/internal/bench"
	"github.com/p-arndt/sandbench/internal/config"
	"github.com/p-arndt/sandbench/internal/provider"
	"github.com/p-arndt/sandbench/internal/report"
	"github.com/p-arndt/sandbench/internal/store"
	"github.com/p-arndt/sandbench/internal/testutil"
)

func runConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Concurrent = 2
	cfg.Batches = 2
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.DBPath = filepath.Join(dir, "history.db")
	cfg.MetricsFile = filepath.Join(dir, "sandbench.prom")
	return cfg
}

func fakeTarget(a *testutil.FakeAdapter) bench.Target {
	return bench.Target{
		Name: a.ProviderName,
		Open: func(context.Context, string) (provider.Adapter, error) { return a, nil },
	}
}

func storedRuns(t *testing.T, dbPath string) []*store.RunSummary {
	t.Helper()
	st, err := store.New(dbPath, 0)
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.ListRuns(0)
	require.NoError(t, err)
	return runs
}

func snapshots(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "benchmark_results_*.json"))
	require.NoError(t, err)
	return matches
}

func TestRunBenchmark_WritesSnapshotMetricsAndHistory(t *testing.T) {
	cfg := runConfig(t)
	fast := &testutil.FakeAdapter{ProviderName: "fast", Default: 0.01}
	slow := &testutil.FakeAdapter{ProviderName: "slow", Default: 0.03, Errors: map[int]error{1: errors.New("boom")}}

	var out bytes.Buffer
	err := runBenchmark(context.Background(), &out, cfg, testutil.Logger(), []bench.Target{fakeTarget(fast), fakeTarget(slow)})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Python version: 3.13")
	assert.Contains(t, out.String(), "slow is 3.00x slower")
	assert.Contains(t, out.String(), "Results saved to")

	files := snapshots(t, cfg.OutputDir)
	require.Len(t, files, 1)
	snap, err := report.ReadSnapshot(files[0])
	require.NoError(t, err)
	assert.Len(t, snap.RawTimes["fast"], 4)
	assert.Len(t, snap.RawTimes["slow"], 3)
	assert.Equal(t, map[string]int{"slow": 1}, snap.Failures)
	assert.Equal(t, "3.13", snap.Config.PythonVersion)

	prom, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `sandbench_lifecycle_seconds_count{provider="fast"} 4`)
	assert.Contains(t, string(prom), `sandbench_lifecycle_failures_total{provider="slow"} 1`)

	runs := storedRuns(t, cfg.DBPath)
	require.Len(t, runs, 1)
	assert.Equal(t, 7, runs[0].Samples)
	assert.Equal(t, 1, runs[0].Failures)
	assert.Equal(t, files[0], runs[0].SnapshotPath)
	assert.Equal(t, "3.13", runs[0].Config.PythonVersion)
}

func TestRunBenchmark_AllFailedKeepsMetricsAndHistory(t *testing.T) {
	cfg := runConfig(t)
	broken := &testutil.FakeAdapter{ProviderName: "broken", Errors: map[int]error{
		0: errors.New("quota"), 1: errors.New("quota"), 2: errors.New("quota"), 3: errors.New("quota"),
	}}

	var out bytes.Buffer
	err := runBenchmark(context.Background(), &out, cfg, testutil.Logger(), []bench.Target{fakeTarget(broken)})
	require.ErrorIs(t, err, provider.ErrNoSamples)

	assert.Contains(t, out.String(), "No benchmarks completed successfully")
	assert.Empty(t, snapshots(t, cfg.OutputDir))

	prom, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `sandbench_lifecycle_failures_total{provider="broken"} 4`)

	runs := storedRuns(t, cfg.DBPath)
	require.Len(t, runs, 1)
	assert.Zero(t, runs[0].Samples)
	assert.Equal(t, 4, runs[0].Failures)
	assert.Empty(t, runs[0].SnapshotPath)
}

func TestRunBenchmark_AllSkippedRecordsNothing(t *testing.T) {
	cfg := runConfig(t)
	target := bench.Target{
		Name:               "runloop",
		RequiresCredential: true,
		CredentialEnv:      "RUNLOOP_API_KEY",
		Open: func(context.Context, string) (provider.Adapter, error) {
			t.Fatal("opened a provider without credential")
			return nil, nil
		},
	}

	var out bytes.Buffer
	err := runBenchmark(context.Background(), &out, cfg, testutil.Logger(), []bench.Target{target})
	require.ErrorIs(t, err, provider.ErrNoSamples)

	assert.Contains(t, out.String(), "Skipping runloop")
	assert.Empty(t, snapshots(t, cfg.OutputDir))
	assert.FileExists(t, cfg.MetricsFile)
	assert.Empty(t, storedRuns(t, cfg.DBPath))
}

func TestAttempted(t *testing.T) {
	cfg := bench.RunConfig{Concurrent: 1, Batches: 1}
	ts := time.Date(2026, 3, 4, 15, 6, 7, 0, time.UTC)
	assert.False(t, attempted(bench.NewRunFromSamples("a", ts, cfg, nil, nil)))
	assert.True(t, attempted(bench.NewRunFromSamples("b", ts, cfg, nil, map[string]int{"x": 1})))
	assert.True(t, attempted(bench.NewRunFromSamples("c", ts, cfg,
		[]bench.Sample{{Provider: "x", ElapsedSeconds: 0.5}}, nil)))
}
