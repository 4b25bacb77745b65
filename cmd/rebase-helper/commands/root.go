package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// binaryVersion is reported in traces and the version flag.
	binaryVersion = "dev"
)

// ExitError ends the process with Code without logging it as a failure.
// It is returned when a run finished but its outcome is not acceptable.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	binaryVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rebase-helper",
		Short: "Rebase an RPM package to a new upstream version",
		Long: `rebase-helper moves an RPM package to a new upstream release.

It:
  - Reapplies the downstream patches to the old and new sources
  - Regenerates patches that no longer apply and drops merged ones
  - Writes the rebased spec file and a diff against the original
  - Builds both versions locally or on a remote build host
  - Compares the resulting packages with the configured checkers
  - Gates the final report with OPA policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $REBASE_HELPER_CONFIG or ./rebase-helper.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRebaseCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newClassifyCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newCheckersCommand())

	return rootCmd
}
