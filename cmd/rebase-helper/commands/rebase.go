package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vcrhonek/rebase-helper/pkg/config"
	"github.com/vcrhonek/rebase-helper/pkg/rebase"
	"github.com/vcrhonek/rebase-helper/pkg/specfile"
)

func newRebaseCommand() *cobra.Command {
	var (
		specPath      string
		oldTree       string
		newTree       string
		newVersion    string
		newSourcesDir string
		builderName   string
		buildTool     string
		retries       int
		fuzz          int
		detached      bool
		resultsDir    string
		checkerNames  []string
		outputs       []string
	)

	cmd := &cobra.Command{
		Use:   "rebase",
		Short: "Rebase a package to a new upstream version",
		Long: `Rebase a package to a new upstream version.

The rebase:
  - Applies every patch of the spec file to the old and new sources
  - Writes regenerated patches and the rebased spec to <results>/rebased-sources
  - Writes the spec diff to <results>/changes.patch
  - Builds source and binary packages of both versions
  - Runs the checkers when both versions built
  - Writes the reports and evaluates the report policies

The command exits with 1 when a build failed and with 2 when a policy
rejected the report.`,
		Example: `  # Rebase using the local builder
  rebase-helper rebase --spec foo.spec --old-tree foo-1.0 --new-tree foo-1.1 --new-version 1.1

  # Build binary packages on the remote build host and return immediately
  rebase-helper rebase --spec foo.spec --old-tree foo-1.0 --new-tree foo-1.1 \
    --new-version 1.1 --builder remote --detached

  # Only run rpmdiff and write a JSON report
  rebase-helper rebase --spec foo.spec --old-tree foo-1.0 --new-tree foo-1.1 \
    --new-version 1.1 --checker rpmdiff --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("builder") {
				cfg.Build.Builder = builderName
			}
			if flags.Changed("tool") {
				cfg.Build.Tool = buildTool
			}
			if flags.Changed("build-retries") {
				cfg.Build.Retries = retries
			}
			if flags.Changed("detached") {
				cfg.Build.Detached = detached
			}
			if flags.Changed("fuzz") {
				cfg.Patch.Fuzz = fuzz
			}
			if flags.Changed("results") {
				cfg.Results.Dir = resultsDir
			}
			if flags.Changed("checker") {
				cfg.Checkers = checkerNames
			}
			if flags.Changed("output") {
				cfg.Outputs = outputs
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			spec, err := specfile.Parse(specPath)
			if err != nil {
				return fmt.Errorf("failed to read spec file: %w", err)
			}

			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel, cfg.Results.Dir)

			env, err := newEnvironment(ctx, cfg, tel, false)
			if err != nil {
				return err
			}
			defer env.Close()

			log.Info().
				Str("package", spec.Name()).
				Str("old_version", spec.Version()).
				Str("new_version", newVersion).
				Str("builder", cfg.Build.Builder).
				Msg("Rebasing package")

			out, runErr := env.pipeline.Run(ctx, spec, rebase.Options{
				OldTree:       oldTree,
				NewTree:       newTree,
				NewVersion:    newVersion,
				NewSourcesDir: newSourcesDir,
				ResultsDir:    cfg.Results.Dir,
				Fuzz:          cfg.Patch.Fuzz,
				Checkers:      cfg.Checkers,
				Outputs:       cfg.Outputs,
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

	cmd.Flags().StringVarP(&specPath, "spec", "s", "", "spec file of the package")
	cmd.Flags().StringVar(&oldTree, "old-tree", "", "unpacked sources of the packaged version")
	cmd.Flags().StringVar(&newTree, "new-tree", "", "unpacked sources of the new version")
	cmd.Flags().StringVar(&newVersion, "new-version", "", "upstream version to rebase to")
	cmd.Flags().StringVar(&newSourcesDir, "sources", "", "directory with the new source archives (default: spec directory)")
	cmd.Flags().StringVar(&builderName, "builder", config.BuilderLocal, "binary package builder (local, remote)")
	cmd.Flags().StringVar(&buildTool, "tool", "rpmbuild", "local build tool (rpmbuild, mock)")
	cmd.Flags().IntVar(&retries, "build-retries", 2, "additional binary build attempts")
	cmd.Flags().IntVar(&fuzz, "fuzz", 0, "maximum fuzz factor for patches")
	cmd.Flags().BoolVar(&detached, "detached", false, "do not wait for remote binary builds")
	cmd.Flags().StringVarP(&resultsDir, "results", "r", "", "results directory")
	cmd.Flags().StringSliceVar(&checkerNames, "checker", nil, "checker to run (repeatable)")
	cmd.Flags().StringSliceVarP(&outputs, "output", "o", nil, "output tool (text, json)")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("old-tree")
	_ = cmd.MarkFlagRequired("new-tree")
	_ = cmd.MarkFlagRequired("new-version")

	return cmd
}
