package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/p-arndt/sandbench/internal/bench"
	"github.com/p-arndt/sandbench/internal/provider"
	"github.com/p-arndt/sandbench/internal/stats"
)

type SnapshotConfig struct {
	Concurrent int               `json:"concurrent"`
	Batches    int               `json:"batches"`
	TotalRuns  int               `json:"total_runs"`
	VMConfig   provider.VMConfig `json:"vm_config"`

	PythonVersion string `json:"python_version,omitempty"`
}

// Snapshot is the persisted form of a benchmark run.
type Snapshot struct {
	RunID      string                      `json:"run_id,omitempty"`
	Timestamp  time.Time                   `json:"timestamp"`
	Config     SnapshotConfig              `json:"config"`
	RawTimes   map[string][]float64        `json:"raw_times"`
	Statistics map[string]stats.Statistics `json:"statistics"`
	Failures   map[string]int              `json:"failures,omitempty"`
}

func NewSnapshot(run *bench.Run) Snapshot {
	s := Snapshot{
		RunID:     run.ID,
		Timestamp: run.Timestamp,
		Config: SnapshotConfig{
			Concurrent:    run.Config.Concurrent,
			Batches:       run.Config.Batches,
			TotalRuns:     run.Config.TotalRuns(),
			VMConfig:      run.Config.VM,
			PythonVersion: run.Config.PythonVersion,
		},
		RawTimes:   make(map[string][]float64, len(run.Results)),
		Statistics: make(map[string]stats.Statistics, len(run.Statistics)),
	}
	for _, p := range run.Providers() {
		s.RawTimes[p] = run.Results[p]
		s.Statistics[p] = run.Statistics[p]
	}
	if f := reportedFailures(run); len(f) > 0 {
		s.Failures = f
	}
	return s
}

// reportedFailures keeps failure counts of providers that produced samples.
// Providers with none are absent from every report.
func reportedFailures(run *bench.Run) map[string]int {
	out := make(map[string]int)
	for _, p := range run.Providers() {
		if n := run.Failures[p]; n > 0 {
			out[p] = n
		}
	}
	return out
}

// SnapshotFilename is benchmark_results_YYYYMMDD_HHMMSS.json.
func SnapshotFilename(ts time.Time) string {
	return "benchmark_results_" + ts.Format("20060102_150405") + ".json"
}

// maxSnapshotSuffix bounds the _N suffixes tried when runs share a second.
const maxSnapshotSuffix = 100

// WriteSnapshot writes run into dir and returns the file path. An existing
// snapshot is never overwritten; the name gets a _2, _3, ... suffix instead.
func WriteSnapshot(dir string, run *bench.Run) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	data, err := json.MarshalIndent(NewSnapshot(run), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	name := SnapshotFilename(run.Timestamp)
	base := strings.TrimSuffix(name, ".json")
	for i := 1; i <= maxSnapshotSuffix; i++ {
		path := filepath.Join(dir, name)
		if i > 1 {
			path = filepath.Join(dir, fmt.Sprintf("%s_%d.json", base, i))
		}
		err := writeExclusive(path, data)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("write snapshot: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("write snapshot: %d files named %s already exist", maxSnapshotSuffix, base)
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &s, nil
}
