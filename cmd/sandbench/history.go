package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/p-arndt/sandbench/internal/config"
	"github.com/p-arndt/sandbench/internal/report"
	"github.com/p-arndt/sandbench/internal/store"
)

// openStore resolves the history database from --db or the config file.
func openStore(o *rootOptions) (*store.Store, error) {
	path := o.dbPath
	if path == "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.DBPath
	}
	return store.New(path, 0)
}

func newHistoryCmd(o *rootOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored benchmark runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(o)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			renderHistory(out, runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")
	cmd.AddCommand(newHistoryRmCmd(o))
	return cmd
}

func newHistoryRmCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <run-id>...",
		Short: "Delete stored runs by id or unique id prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(o)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range args {
				run, err := st.GetRun(id)
				if err != nil {
					return err
				}
				if err := st.DeleteRun(run.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", run.ID)
			}
			return nil
		},
	}
}

func renderHistory(w io.Writer, runs []*store.RunSummary) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%dx%d", r.Config.Concurrent, r.Config.Batches),
			report.HumanVM(r.Config.VM),
			fmt.Sprint(r.Providers),
			fmt.Sprint(r.Samples),
			fmt.Sprint(r.Failures),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Run", "Started", "Concurrent x Batches", "VM", "Providers", "Samples", "Failures").
		Rows(rows...)
	fmt.Fprintln(w, t)
}

func newShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Re-render the tables and comparison for a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(o)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(args[0])
			if err != nil {
				return err
			}
			console := report.NewConsole(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s at %s\n", run.ID, run.Timestamp.Local().Format("2006-01-02 15:04:05"))
			console.Header(run.Config)
			console.Results(run)
			return nil
		},
	}
}
