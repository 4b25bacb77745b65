package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vcrhonek/rebase-helper/pkg/classifier"
	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/results"
)

func newClassifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify REPORT",
		Short: "Classify the build failures of a saved report",
		Long: `Classify the build failures recorded in a saved report.

The report is a JSON report written by the json output tool, or the same
document in YAML. Build logs referenced by the report are scanned for the
failed rpmbuild section, so they must still exist.`,
		Example: `  # Classify a finished run
  rebase-helper classify rebase-helper-results/report.json

  # Classify a hand-written YAML build report
  rebase-helper classify --json builds.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := results.LoadReport(args[0])
			if err != nil {
				return err
			}

			records := classifier.NewLogScanner(log.Logger).Classify(report.Builds)
			if jsonOutput {
				if records == nil {
					records = []engine.FailureRecord{}
				}
				return printJSON(records)
			}

			if len(records) == 0 {
				fmt.Println("No build failures")
				return nil
			}
			for _, rec := range records {
				section := rec.Section
				if section == "" {
					section = "-"
				}
				fmt.Printf("%-4s %-22s %s\n", rec.Version, rec.Category, section)
			}
			return nil
		},
	}

	return cmd
}
