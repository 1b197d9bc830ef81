package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/sandbench/internal/provider"
)

// Target is a provider selected for a run. Open builds the provider's shared
// client once; every invocation of every batch reuses it.
type Target struct {
	Name               string
	RequiresCredential bool
	Credential         string
	CredentialEnv      string
	Open               func(ctx context.Context, credential string) (provider.Adapter, error)
}

// Sweeper releases sandboxes a provider still owns after its run.
type Sweeper interface {
	Sweep(ctx context.Context, providerName string, inv provider.Inventory) int
}

type Options struct {
	Concurrent int
	Batches    int
	VM         provider.VMConfig

	// PythonVersion is recorded with the run; it does not select anything.
	PythonVersion string

	// Events receives progress notifications. Sends block, so a consumer
	// must drain the channel while the orchestrator runs.
	Events  chan<- Event
	Logger  *slog.Logger
	Sweeper Sweeper
}

type Orchestrator struct {
	concurrent int
	batches    int
	vm         provider.VMConfig
	pyVersion  string
	events     chan<- Event
	logger     *slog.Logger
	sweeper    Sweeper
	now        func() time.Time
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		concurrent: opts.Concurrent,
		batches:    opts.Batches,
		vm:         opts.VM,
		pyVersion:  opts.PythonVersion,
		events:     opts.Events,
		logger:     logger,
		sweeper:    opts.Sweeper,
		now:        time.Now,
	}
}

// ProviderResult holds one provider's outcome. Samples are in completion order
// within each round, rounds in sequence.
type ProviderResult struct {
	Samples  []Sample
	Failures int
	Errors   []error
}

// Values returns the elapsed seconds of every successful sample.
func (r ProviderResult) Values() []float64 {
	out := make([]float64, len(r.Samples))
	for i, s := range r.Samples {
		out[i] = s.ElapsedSeconds
	}
	return out
}

type outcome struct {
	batch   int
	run     int
	elapsed time.Duration
	err     error
}

// RunProvider executes the configured number of sequential rounds against a,
// each round launching Concurrent invocations and waiting for all of them.
// A failed invocation voids only its own sample.
func (o *Orchestrator) RunProvider(ctx context.Context, a provider.Adapter) ProviderResult {
	name := a.Name()
	var res ProviderResult

	o.emit(Event{Kind: EventProviderStarted, Provider: name, Concurrent: o.concurrent, Batches: o.batches})

	for batch := 0; batch < o.batches; batch++ {
		if ctx.Err() != nil {
			o.logger.Warn("run cancelled, skipping remaining batches", "provider", name, "batch", batch+1)
			break
		}
		o.emit(Event{Kind: EventBatchStarted, Provider: name, Batch: batch, Concurrent: o.concurrent, Batches: o.batches})

		samples, errs := o.runRound(ctx, a, batch)
		res.Samples = append(res.Samples, samples...)
		res.Errors = append(res.Errors, errs...)
		res.Failures += len(errs)

		o.emit(Event{Kind: EventBatchFinished, Provider: name, Batch: batch, Failures: len(errs)})
	}

	o.emit(Event{Kind: EventProviderFinished, Provider: name, Samples: res.Values(), Failures: res.Failures})
	return res
}

func (o *Orchestrator) runRound(ctx context.Context, a provider.Adapter, batch int) ([]Sample, []error) {
	outcomes := make(chan outcome, o.concurrent)

	// Workers never return an error, so the group never cancels siblings.
	var g errgroup.Group
	for i := 0; i < o.concurrent; i++ {
		run := batch*o.concurrent + i
		g.Go(func() error {
			outcomes <- o.invoke(ctx, a, batch, run)
			return nil
		})
	}

	name := a.Name()
	samples := make([]Sample, 0, o.concurrent)
	var errs []error
	for i := 0; i < o.concurrent; i++ {
		oc := <-outcomes
		if oc.err != nil {
			errs = append(errs, oc.err)
			o.logger.Debug("sandbox lifecycle failed", "provider", name, "batch", batch+1, "run", oc.run+1, "error", oc.err)
			o.emit(Event{Kind: EventSampleFailed, Provider: name, Batch: batch, Sample: Sample{Provider: name, BatchIndex: batch, RunIndex: oc.run}, Err: oc.err})
			continue
		}
		s := Sample{Provider: name, BatchIndex: batch, RunIndex: oc.run, ElapsedSeconds: oc.elapsed.Seconds()}
		samples = append(samples, s)
		o.emit(Event{Kind: EventSampleRecorded, Provider: name, Batch: batch, Sample: s})
	}
	_ = g.Wait()

	return samples, errs
}

func (o *Orchestrator) invoke(ctx context.Context, a provider.Adapter, batch, run int) (oc outcome) {
	oc = outcome{batch: batch, run: run}
	defer func() {
		if r := recover(); r != nil {
			oc.elapsed = 0
			oc.err = &provider.LifecycleError{Provider: a.Name(), Stage: provider.StageUnknown, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	elapsed, err := a.Measure(ctx, o.vm)
	if err != nil {
		oc.err = err
		return oc
	}
	if elapsed <= 0 {
		oc.err = &provider.LifecycleError{Provider: a.Name(), Stage: provider.StageUnknown, Err: errors.New("non-positive elapsed time")}
		return oc
	}
	oc.elapsed = elapsed
	return oc
}

// RunAll benchmarks targets one after another. Providers whose credential is
// missing or whose client cannot be opened are skipped with a warning. The
// returned Run is complete for every provider that finished; err is non-nil
// only when ctx was cancelled.
func (o *Orchestrator) RunAll(ctx context.Context, targets []Target) (*Run, error) {
	run := newRun(uuid.NewString(), RunConfig{Concurrent: o.concurrent, Batches: o.batches, VM: o.vm, PythonVersion: o.pyVersion})

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			run.Timestamp = o.now()
			return run, err
		}

		if t.RequiresCredential && t.Credential == "" {
			o.skip(t.Name, fmt.Errorf("%w: %s not set", provider.ErrMissingCredential, t.CredentialEnv))
			continue
		}

		a, err := t.Open(ctx, t.Credential)
		if err != nil {
			o.skip(t.Name, fmt.Errorf("open client: %w", err))
			continue
		}

		if p, ok := a.(provider.Preparer); ok {
			if err := p.Prepare(ctx, o.vm); err != nil {
				closeAdapter(a, o.logger)
				o.skip(t.Name, fmt.Errorf("prepare: %w", err))
				continue
			}
		}

		res := o.RunProvider(ctx, a)

		if o.sweeper != nil {
			if inv, ok := provider.InventoryOf(a); ok {
				o.sweeper.Sweep(context.WithoutCancel(ctx), t.Name, inv)
			}
		}
		closeAdapter(a, o.logger)

		if len(res.Samples) == 0 {
			o.logger.Warn("provider produced no samples", "provider", t.Name, "failures", res.Failures)
		}
		run.record(t.Name, res.Samples, res.Failures)
	}

	run.Timestamp = o.now()
	return run, nil
}

func (o *Orchestrator) skip(name string, err error) {
	o.logger.Warn("skipping provider", "provider", name, "error", err)
	o.emit(Event{Kind: EventProviderSkipped, Provider: name, Err: err})
}

func (o *Orchestrator) emit(ev Event) {
	if o.events == nil {
		return
	}
	ev.Time = o.now()
	o.events <- ev
}

func closeAdapter(a provider.Adapter, logger *slog.Logger) {
	c, ok := a.(provider.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("close provider client", "provider", a.Name(), "error", err)
	}
}
