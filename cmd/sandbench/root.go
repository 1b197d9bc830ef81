package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/p-arndt/sandbench/internal/bench"
	"github.com/p-arndt/sandbench/internal/config"
	"github.com/p-arndt/sandbench/internal/metrics"
	"github.com/p-arndt/sandbench/internal/provider"
	"github.com/p-arndt/sandbench/internal/reaper"
	"github.com/p-arndt/sandbench/internal/report"
	"github.com/p-arndt/sandbench/internal/store"
)

type rootOptions struct {
	configPath  string
	concurrent  int
	batches     int
	providers   []string
	outputDir   string
	dbPath      string
	metricsFile string
	vcpus       int
	memoryMB    int
	diskGB      int
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sandbench",
		Short: "Benchmark sandbox cold and warm start latency across providers",
		Long: `sandbench provisions sandboxes concurrently in rounds on each selected
provider, runs a tiny script in each, tears it down, and reports the
end-to-end latency distribution per provider.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), opts.verbose)
			return runBenchmark(cmd.Context(), cmd.OutOrStdout(), cfg, logger, buildTargets(cfg, logger))
		},
	}

	bindFlags(cmd.Flags(), cmd.PersistentFlags(), opts)
	cmd.AddCommand(newHistoryCmd(opts), newShowCmd(opts))
	return cmd
}

func bindFlags(fs, persistent *pflag.FlagSet, o *rootOptions) {
	persistent.StringVar(&o.configPath, "config", "sandbench.yaml", "YAML config file")
	persistent.StringVar(&o.dbPath, "db", "", "run history database (default from config)")
	persistent.BoolVarP(&o.verbose, "verbose", "v", false, "log lifecycle detail to stderr")

	fs.IntVarP(&o.concurrent, "concurrent", "c", 50, "sandboxes started concurrently per round")
	fs.IntVarP(&o.batches, "batches", "b", 2, "sequential rounds per provider")
	fs.StringSliceVarP(&o.providers, "providers", "p", nil, "providers to benchmark (docker, sandkasten, runloop, process)")
	fs.StringVar(&o.outputDir, "output-dir", ".", "directory for the results snapshot")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus metrics in textfile format")
	fs.IntVar(&o.vcpus, "vcpus", 1, "vCPUs per sandbox")
	fs.IntVar(&o.memoryMB, "memory-mb", 2048, "memory per sandbox in MB")
	fs.IntVar(&o.diskGB, "disk-gb", 2, "disk per sandbox in GB")
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(fs *pflag.FlagSet, o *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("concurrent") {
		cfg.Concurrent = o.concurrent
	}
	if fs.Changed("batches") {
		cfg.Batches = o.batches
	}
	if fs.Changed("providers") {
		cfg.Providers = normalizeProviders(o.providers)
	}
	if fs.Changed("output-dir") {
		cfg.OutputDir = o.outputDir
	}
	if fs.Changed("metrics-file") {
		cfg.MetricsFile = o.metricsFile
	}
	if fs.Changed("vcpus") {
		cfg.VM.VCPUs = o.vcpus
	}
	if fs.Changed("memory-mb") {
		cfg.VM.MemoryMB = o.memoryMB
	}
	if fs.Changed("disk-gb") {
		cfg.VM.DiskGB = o.diskGB
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeProviders(in []string) []string {
	var out []string
	for _, v := range in {
		out = append(out, config.ParseProviders(v)...)
	}
	return out
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func runBenchmark(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, targets []bench.Target) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := report.NewConsole(out)
	recorder := metrics.NewRecorder()

	events := make(chan bench.Event, 64)
	drained := make(chan struct{})
	go func() {
		bench.Drain(events, console, recorder, traceEvents(logger))
		close(drained)
	}()

	orch := bench.New(bench.Options{
		Concurrent:    cfg.Concurrent,
		Batches:       cfg.Batches,
		VM:            cfg.VM,
		PythonVersion: cfg.PythonVersion,
		Events:        events,
		Logger:        logger,
		Sweeper:       reaper.New(0, logger),
	})

	console.Header(bench.RunConfig{Concurrent: cfg.Concurrent, Batches: cfg.Batches, VM: cfg.VM, PythonVersion: cfg.PythonVersion})
	run, runErr := orch.RunAll(ctx, targets)
	close(events)
	<-drained

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if runErr != nil {
		logger.Warn("benchmark interrupted, reporting partial results")
	}

	// Metrics and history are kept even when every lifecycle failed.
	if cfg.MetricsFile != "" {
		if err := recorder.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Error("metrics", "error", err)
		}
	}

	var snapshotPath string
	var snapshotErr error
	if console.Results(run) {
		snapshotPath, snapshotErr = report.WriteSnapshot(cfg.OutputDir, run)
		if snapshotErr == nil {
			console.Saved(snapshotPath)
		}
	}

	if cfg.DBPath != "" && attempted(run) {
		saveHistory(cfg.DBPath, run, snapshotPath, logger)
	}

	switch {
	case snapshotErr != nil:
		return snapshotErr
	case runErr != nil:
		return runErr
	case len(run.Providers()) == 0:
		return fmt.Errorf("%w: every selected provider failed or was skipped", provider.ErrNoSamples)
	}
	return nil
}

// attempted reports whether any lifecycle ran, successful or not. Runs where
// every provider was skipped are not worth a history row.
func attempted(run *bench.Run) bool {
	return len(run.Providers()) > 0 || len(run.Failures) > 0
}

// traceEvents logs the event stream at debug level for --verbose.
func traceEvents(logger *slog.Logger) bench.Handler {
	return bench.HandlerFunc(func(ev bench.Event) {
		switch ev.Kind {
		case bench.EventSampleRecorded:
			logger.Debug("sample", "provider", ev.Provider, "batch", ev.Batch+1, "run", ev.Sample.RunIndex+1, "elapsed_seconds", ev.Sample.ElapsedSeconds)
		case bench.EventSampleFailed, bench.EventProviderSkipped:
			// Logged where they happen.
		default:
			logger.Debug("progress", "event", ev.Kind, "provider", ev.Provider, "batch", ev.Batch+1)
		}
	})
}

func saveHistory(dbPath string, run *bench.Run, snapshotPath string, logger *slog.Logger) {
	st, err := store.New(dbPath, 0)
	if err != nil {
		logger.Error("open history store", "path", dbPath, "error", err)
		return
	}
	defer st.Close()
	if err := st.SaveRun(run, snapshotPath); err != nil {
		logger.Error("save run history", "run_id", run.ID, "error", err)
	}
}
