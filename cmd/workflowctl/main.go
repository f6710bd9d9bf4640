// workflowctl is the bundled command-line tool for workflow definition
// documents: validate them against the schema and business rules, inspect
// the execution plan a definition produces, or run one end to end against
// the built-in echo agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conductorflow/kernel/internal/config"
	"github.com/conductorflow/kernel/internal/obslog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Validate, inspect, and run workflow definition documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			obslog.SetDefault(obslog.New(cfg.Logging))
			return nil
		},
	}

	root.AddCommand(newValidateCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newRunCmd())
	return root
}
