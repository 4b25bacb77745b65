package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vcrhonek/rebase-helper/pkg/checkers"
	"github.com/vcrhonek/rebase-helper/pkg/output"
	"github.com/vcrhonek/rebase-helper/pkg/process"
)

func newCheckersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkers",
		Short: "List checkers, output tools and report policies",
		Long: `List the available checkers, output tools and report policies.

Policies include those loaded from policy.file of the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			registry := checkers.DefaultRegistry(process.ExecRunner{Logger: log.Logger}, log.Logger)
			tools := output.DefaultRegistry(cfg.Results.Dir, registry)
			gate, err := newPolicyEngine(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}

			type checkerInfo struct {
				Name     string `json:"name"`
				Category string `json:"category"`
				Default  bool   `json:"default"`
			}
			type policyInfo struct {
				Name     string `json:"name"`
				Severity string `json:"severity"`
				Enabled  bool   `json:"enabled"`
				Source   string `json:"source,omitempty"`
			}

			var checkerList []checkerInfo
			for _, name := range registry.Names() {
				c, _ := registry.Get(name)
				checkerList = append(checkerList, checkerInfo{name, string(c.Category()), c.Default()})
			}
			var policyList []policyInfo
			if gate != nil {
				for _, p := range gate.ListPolicies() {
					policyList = append(policyList, policyInfo{p.Name, string(p.Severity), p.Enabled, p.Source})
				}
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"checkers": checkerList,
					"outputs":  tools.Names(),
					"policies": policyList,
				})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECKER\tCATEGORY\tDEFAULT")
			for _, c := range checkerList {
				fmt.Fprintf(w, "%s\t%s\t%t\n", c.Name, c.Category, c.Default)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "OUTPUT")
			for _, name := range tools.Names() {
				fmt.Fprintln(w, name)
			}
			if gate == nil {
				fmt.Fprintln(w, "\nReport policies are disabled")
				return w.Flush()
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "POLICY\tSEVERITY\tENABLED")
			for _, p := range policyList {
				fmt.Fprintf(w, "%s\t%s\t%t\n", p.Name, p.Severity, p.Enabled)
			}
			return w.Flush()
		},
	}

	return cmd
}
