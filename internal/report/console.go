package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/docker/go-units"

	"github.com/p-arndt/sandbench/internal/bench"
	"github.com/p-arndt/sandbench/internal/provider"
)

var (
	colorAccent = lipgloss.Color("#2CD7C7")
	colorError  = lipgloss.Color("#E74C3C")
	colorWarn   = lipgloss.Color("#F4D03F")
	colorMuted  = lipgloss.Color("#6C7A89")
	colorBorder = lipgloss.Color("#16858E")
)

type styles struct {
	title   lipgloss.Style
	heading lipgloss.Style
	cold    lipgloss.Style
	errText lipgloss.Style
	warn    lipgloss.Style
	muted   lipgloss.Style
	border  lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(colorAccent),
		heading: r.NewStyle().Bold(true),
		cold:    r.NewStyle().Bold(true).Foreground(colorError),
		errText: r.NewStyle().Foreground(colorError),
		warn:    r.NewStyle().Foreground(colorWarn),
		muted:   r.NewStyle().Foreground(colorMuted),
		border:  r.NewStyle().Foreground(colorBorder),
		header:  r.NewStyle().Bold(true).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
	}
}

// Console prints live progress and the final tables. It implements
// bench.Handler and must only be driven from a single goroutine.
type Console struct {
	w     io.Writer
	st    styles
	batch int
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, st: newStyles(lipgloss.NewRenderer(w))}
}

// Header prints the run parameters before any provider starts.
func (c *Console) Header(cfg bench.RunConfig) {
	fmt.Fprintln(c.w, c.st.title.Render("Sandbox Startup Benchmark"))
	fmt.Fprintf(c.w, "Concurrent sandboxes: %d\n", cfg.Concurrent)
	fmt.Fprintf(c.w, "Batches: %d\n", cfg.Batches)
	fmt.Fprintf(c.w, "Total runs per provider: %d\n", cfg.TotalRuns())
	fmt.Fprintf(c.w, "VM Configuration: %s\n", HumanVM(cfg.VM))
	if cfg.PythonVersion != "" {
		fmt.Fprintf(c.w, "Python version: %s\n", cfg.PythonVersion)
	}
	fmt.Fprintln(c.w, strings.Repeat("-", 50))
}

// HumanVM renders a VM config with binary size units.
func HumanVM(vm provider.VMConfig) string {
	mem := units.BytesSize(float64(vm.MemoryMB) * units.MiB)
	disk := units.BytesSize(float64(vm.DiskGB) * units.GiB)
	return fmt.Sprintf("%d vCPU, %s RAM, %s disk", vm.VCPUs, mem, disk)
}

func (c *Console) Handle(ev bench.Event) {
	switch ev.Kind {
	case bench.EventProviderStarted:
		fmt.Fprintf(c.w, "\n%s\n", c.st.heading.Render(fmt.Sprintf("Testing %s sandbox startup...", ev.Provider)))
		fmt.Fprintf(c.w, "  Running %d sandboxes concurrently, %d batches\n", ev.Concurrent, ev.Batches)
	case bench.EventProviderSkipped:
		fmt.Fprintf(c.w, "\n%s\n", c.st.warn.Render(fmt.Sprintf("Skipping %s: %v", ev.Provider, ev.Err)))
	case bench.EventBatchStarted:
		c.batch = 0
		fmt.Fprintf(c.w, "\n  Batch %d/%d:\n", ev.Batch+1, ev.Batches)
	case bench.EventSampleRecorded:
		c.batch++
		fmt.Fprintf(c.w, "    Sandbox %d: %.3fs\n", c.batch, ev.Sample.ElapsedSeconds)
	case bench.EventSampleFailed:
		c.batch++
		fmt.Fprintf(c.w, "    Sandbox %d: %s\n", c.batch, c.st.errText.Render(fmt.Sprintf("failed: %v", ev.Err)))
	case bench.EventProviderFinished:
		c.Listing(ev.Provider, ev.Samples, ev.Failures)
	}
}

// Listing prints one provider's samples sorted descending, the first marked
// as the cold start.
func (c *Console) Listing(name string, samples []float64, failures int) {
	if len(samples) == 0 {
		fmt.Fprintf(c.w, "%s\n", c.st.errText.Render("No results for "+name))
		return
	}
	l := NewListing(name, samples)
	fmt.Fprintf(c.w, "\n%s\n", c.st.heading.Render(name+" Results (sorted descending):"))
	for i, v := range l.Sorted {
		if i == 0 {
			fmt.Fprintf(c.w, "  Run %d: %s (cold start)\n", i+1, c.st.cold.Render(fmt.Sprintf("%.3fs", v)))
			continue
		}
		fmt.Fprintf(c.w, "  Run %d: %.3fs\n", i+1, v)
	}
	fmt.Fprintln(c.w, c.st.muted.Render(fmt.Sprintf("  Mean: %.3fs, Median: %.3fs, Best: %.3fs", l.Mean, l.Median, l.Best())))
	if failures > 0 {
		fmt.Fprintln(c.w, c.st.warn.Render(fmt.Sprintf("  Failed: %d", failures)))
	}
}

// Results prints the iteration table, the summary and the comparison. It
// reports false when no provider produced a sample.
func (c *Console) Results(run *bench.Run) bool {
	if len(run.Providers()) == 0 {
		fmt.Fprintf(c.w, "\n%s\n", c.st.errText.Render("No benchmarks completed successfully"))
		fmt.Fprintln(c.w, c.st.muted.Render("Check provider configuration and credentials"))
		return false
	}

	fmt.Fprintf(c.w, "\n%s\n\n", c.st.heading.Render("All Iterations (sorted descending, in seconds)"))
	fmt.Fprintln(c.w, c.iterationTable(run))

	fmt.Fprintf(c.w, "\n%s\n\n", c.st.heading.Render("Summary Statistics"))
	fmt.Fprintln(c.w, c.summaryTable(run))

	if cmp := Compare(run); len(cmp) > 0 {
		fmt.Fprintf(c.w, "\n%s\n\n", c.st.heading.Render("Performance Comparison"))
		for _, x := range cmp {
			fmt.Fprintf(c.w, "  %s\n", x)
		}
	}
	if failures := reportedFailures(run); len(failures) > 0 {
		fmt.Fprintf(c.w, "\n%s\n", c.st.heading.Render("Failures"))
		for _, p := range sortedKeys(failures) {
			fmt.Fprintf(c.w, "  %s: %d\n", p, failures[p])
		}
	}
	return true
}

func (c *Console) iterationTable(run *bench.Run) *table.Table {
	headers := append([]string{"Iteration"}, run.Providers()...)
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(c.st.border).
		Headers(headers...).
		Rows(IterationRows(run)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return c.st.header
			case row == 0 && col > 0:
				return c.st.cold.Padding(0, 1)
			default:
				return c.st.cell
			}
		})
}

func (c *Console) summaryTable(run *bench.Run) *table.Table {
	rows := make([][]string, 0, len(run.Providers()))
	for _, s := range Summary(run) {
		rows = append(rows, []string{
			s.Provider,
			fmt.Sprintf("%.3f", s.ColdStart),
			fmt.Sprintf("%.3f", s.Best),
			fmt.Sprintf("%.3f", s.Mean),
			fmt.Sprintf("%.3f", s.Median),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(c.st.border).
		Headers("Provider", "Cold Start", "Best", "Mean", "Median").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return c.st.header
			}
			return c.st.cell
		})
}

// Saved prints where the snapshot went.
func (c *Console) Saved(path string) {
	fmt.Fprintf(c.w, "\n%s\n", c.st.muted.Render("Results saved to "+path))
}
