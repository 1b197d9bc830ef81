// Package report turns collected samples into listings, cross-provider
// tables, comparisons and the persisted snapshot.
package report

import (
	"fmt"
	"sort"

	"github.com/p-arndt/sandbench/internal/bench"
	"github.com/p-arndt/sandbench/internal/stats"
)

// Listing is the per-provider view printed as soon as a provider finishes.
type Listing struct {
	Provider string
	Sorted   []float64 // descending; Sorted[0] is the cold start
	Mean     float64
	Median   float64
}

func NewListing(name string, samples []float64) Listing {
	st := stats.Compute(samples)
	return Listing{Provider: name, Sorted: stats.SortedDesc(samples), Mean: st.Mean, Median: st.Median}
}

func (l Listing) ColdStart() float64 {
	if len(l.Sorted) == 0 {
		return 0
	}
	return l.Sorted[0]
}

func (l Listing) Best() float64 {
	if len(l.Sorted) == 0 {
		return 0
	}
	return l.Sorted[len(l.Sorted)-1]
}

// IterationRows aligns providers by rank: row i holds the i-th slowest sample
// of every provider, not samples from the same invocation. Rows run to the
// configured total; providers with fewer samples show "-".
func IterationRows(run *bench.Run) [][]string {
	providers := run.Providers()
	sorted := make(map[string][]float64, len(providers))
	for _, p := range providers {
		sorted[p] = stats.SortedDesc(run.Results[p])
	}

	total := run.Config.TotalRuns()
	for _, p := range providers {
		if n := len(sorted[p]); n > total {
			total = n
		}
	}

	rows := make([][]string, 0, total)
	for i := 0; i < total; i++ {
		row := make([]string, 0, len(providers)+1)
		row = append(row, fmt.Sprintf("Run %d", i+1))
		for _, p := range providers {
			if i < len(sorted[p]) {
				row = append(row, fmt.Sprintf("%.3f", sorted[p][i]))
			} else {
				row = append(row, "-")
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// SummaryRow is one provider's line in the summary table.
type SummaryRow struct {
	Provider  string
	ColdStart float64
	Best      float64
	Mean      float64
	Median    float64
}

func Summary(run *bench.Run) []SummaryRow {
	rows := make([]SummaryRow, 0, len(run.Providers()))
	for _, p := range run.Providers() {
		st := run.Statistics[p]
		rows = append(rows, SummaryRow{Provider: p, ColdStart: st.Max, Best: st.Min, Mean: st.Mean, Median: st.Median})
	}
	return rows
}

// Comparison relates a provider's mean to the fastest provider's mean.
type Comparison struct {
	Provider string
	Baseline string
	Factor   float64
	Percent  float64
}

func (c Comparison) String() string {
	return fmt.Sprintf("%s is %.2fx slower (%.1f%% more time) than %s", c.Provider, c.Factor, c.Percent, c.Baseline)
}

// Compare sorts providers by ascending mean and compares every other provider
// against the fastest. Fewer than two providers yields nil.
func Compare(run *bench.Run) []Comparison {
	type entry struct {
		name string
		mean float64
	}
	entries := make([]entry, 0, len(run.Statistics))
	for _, p := range run.Providers() {
		st, ok := run.Statistics[p]
		if !ok || st.Mean <= 0 {
			continue
		}
		entries = append(entries, entry{name: p, mean: st.Mean})
	}
	if len(entries) < 2 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].mean < entries[j].mean })

	base := entries[0]
	out := make([]Comparison, 0, len(entries)-1)
	for _, e := range entries[1:] {
		out = append(out, Comparison{
			Provider: e.name,
			Baseline: base.name,
			Factor:   e.mean / base.mean,
			Percent:  (e.mean - base.mean) / base.mean * 100,
		})
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
