package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p-arndt/sandbench/internal/config"
	"github.com/p-arndt/sandbench/internal/provider"
)

// TestConfig returns a Config with small, test-friendly defaults.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.Concurrent = 3
	cfg.Batches = 2
	cfg.OutputDir = ""
	cfg.DBPath = ":memory:"
	cfg.Runloop.PollIntervalMs = 1
	return cfg
}

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// FakeAdapter returns scripted results keyed by call order: call k gets
// Durations[k] (seconds) unless Errors[k] is set. Calls beyond the script
// return Default.
type FakeAdapter struct {
	ProviderName string
	Durations    []float64
	Errors       map[int]error
	Panics       map[int]bool
	Default      float64
	Delay        time.Duration

	calls    atomic.Int64
	inFlight atomic.Int64

	mu          sync.Mutex
	maxInFlight int64
	closed      bool
}

func (f *FakeAdapter) Name() string { return f.ProviderName }

func (f *FakeAdapter) Measure(ctx context.Context, vm provider.VMConfig) (time.Duration, error) {
	k := int(f.calls.Add(1) - 1)

	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	f.mu.Lock()
	if cur > f.maxInFlight {
		f.maxInFlight = cur
	}
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	if f.Panics[k] {
		panic("scripted panic")
	}
	if err, ok := f.Errors[k]; ok {
		return 0, err
	}
	v := f.Default
	if k < len(f.Durations) {
		v = f.Durations[k]
	}
	return time.Duration(v * float64(time.Second)), nil
}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Calls is the number of Measure invocations so far.
func (f *FakeAdapter) Calls() int { return int(f.calls.Load()) }

// MaxInFlight is the highest number of concurrent Measure calls observed.
func (f *FakeAdapter) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.maxInFlight)
}

func (f *FakeAdapter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
