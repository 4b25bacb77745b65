package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit   int
		pkg     string
		status  string
		stats   bool
		showRun string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded rebase runs",
		Long: `Show the runs recorded in the history database (results.history_db).

Without flags the most recent runs are listed. --stats aggregates the
failure records of every run by category and section.`,
		Example: `  # List the last 10 runs
  rebase-helper history --limit 10

  # List failed runs of one package
  rebase-helper history --package foo --status failed

  # Show one run with its patches
  rebase-helper history --run 3f1c2e8a-5d8b-4e0e-9a57-1b8c1e0f2c44

  # Failure statistics
  rebase-helper history --stats`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Results.HistoryDB == "" {
				return fmt.Errorf("no history database configured (results.history_db)")
			}
			store, err := openHistory(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			switch {
			case showRun != "":
				run, err := store.GetRun(ctx, showRun)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(run)
				}
				printRun(run)
				return nil

			case stats:
				rows, err := store.FailureStats(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(rows)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CATEGORY\tSECTION\tCOUNT")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%d\n", r.Category, dash(r.Section), r.Count)
				}
				return w.Flush()
			}

			runs, err := store.ListRuns(ctx, stores.ListOptions{
				Package: pkg,
				Status:  engine.RunStatus(status),
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPACKAGE\tOLD\tNEW\tSTATUS\tSTARTED\tFAILURES")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					r.ID, r.Package, r.OldVersion, r.NewVersion, r.Status,
					r.StartedAt.Local().Format(time.DateTime), len(r.Failures))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().StringVarP(&pkg, "package", "p", "", "only runs of this package")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (succeeded, failed, detached)")
	cmd.Flags().BoolVar(&stats, "stats", false, "show failure statistics")
	cmd.Flags().StringVar(&showRun, "run", "", "show one run")

	return cmd
}

func printRun(run *engine.RunSummary) {
	fmt.Printf("Run %s\n", run.ID)
	fmt.Printf("  package:  %s %s -> %s\n", run.Package, run.OldVersion, run.NewVersion)
	fmt.Printf("  status:   %s\n", run.Status)
	fmt.Printf("  started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
	if !run.CompletedAt.IsZero() {
		fmt.Printf("  finished: %s\n", run.CompletedAt.Local().Format(time.DateTime))
	}
	if len(run.Patches) > 0 {
		fmt.Println("  patches:")
		for _, p := range run.Patches {
			fmt.Printf("    [%s] %s\n", p.Status.Marker(), p.Name())
		}
	}
	for _, f := range run.Failures {
		fmt.Printf("  failure:  %s of the %s version %s\n", f.Category, f.Version, dash(f.Section))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
