package commands

import (
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/rebase"
	"github.com/vcrhonek/rebase-helper/pkg/results"
)

func newResumeCommand() *cobra.Command {
	var (
		taskID         string
		version        string
		resultsDir     string
		outputs        []string
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Collect a detached remote build",
		Long: `Collect the outcome of a binary build left running by 'rebase --detached'.

The command waits for the task on the remote build host, downloads its
packages and logs, updates the report in the results directory and runs
the checkers once no task is left running.

Without --task the only detached task of the report is resumed, or the
task is chosen from a list. Non-interactive runs must name the task.`,
		Example: `  # Wait for the build of the new version
  rebase-helper resume --task 3f1c2e8a-5d8b-4e0e-9a57-1b8c1e0f2c44

  # Pick one of several detached tasks from a list
  rebase-helper resume

  # Collect a build from a custom results directory
  rebase-helper resume --task 9b2d... --version old --results ./results`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("results") {
				cfg.Results.Dir = resultsDir
			}
			if cmd.Flags().Changed("output") {
				cfg.Outputs = outputs
			}
			if cmd.Flags().Changed("non-interactive") {
				cfg.Build.NonInteractive = nonInteractive
			}
			// The remote section is required even when rebases run locally.
			cfg.Build.Builder = "remote"
			if err := cfg.Validate(); err != nil {
				return err
			}

			if taskID == "" {
				report, err := results.LoadReport(filepath.Join(cfg.Results.Dir, rebase.ReportFile))
				if err != nil {
					return err
				}
				task, err := chooseTask(report.Detached, interactive(cfg.Build.NonInteractive), cmd.InOrStdin(), cmd.OutOrStdout())
				if err != nil {
					return err
				}
				taskID = task.ID
			}

			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel, cfg.Results.Dir)

			env, err := newEnvironment(ctx, cfg, tel, true)
			if err != nil {
				return err
			}
			defer env.Close()

			log.Info().Str("task_id", taskID).Str("version", version).Msg("Resuming remote build")

			out, runErr := env.pipeline.Resume(ctx, env.remote, rebase.ResumeOptions{
				ResultsDir: cfg.Results.Dir,
				TaskID:     taskID,
				Version:    engine.Version(version),
				Checkers:   cfg.Checkers,
				Outputs:    cfg.Outputs,
			})
			if out == nil {
				return runErr
			}
			if err := printOutcome(out); err != nil && runErr == nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "remote task ID printed by the detached run; chosen from the report when omitted")
	cmd.Flags().StringVar(&version, "version", "", "version the task builds (old, new); defaults to the version recorded in the report")
	cmd.Flags().StringVarP(&resultsDir, "results", "r", "", "results directory of the detached run")
	cmd.Flags().StringSliceVarP(&outputs, "output", "o", nil, "output tool (text, json)")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "never prompt; overrides build.non_interactive")

	return cmd
}
