package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conductorflow/kernel/pkg/definition"
	"github.com/conductorflow/kernel/pkg/plan"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan file.yaml",
		Short: "Show the wave-layered execution plan for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := definition.LoadWorkflowFile(args[0])
			if err != nil {
				return err
			}
			p, err := plan.Build(def.Stages)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Workflow: %s (%d stages, %d waves, max parallelism %d)\n",
				def.Name, len(def.Stages), p.WaveCount(), p.MaxParallelism())
			for _, w := range p.Waves() {
				names := make([]string, 0, len(w.Stages))
				for _, s := range w.Stages {
					names = append(names, s.Name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  wave %d: %s\n", w.WaveNumber, strings.Join(names, ", "))
			}
			return nil
		},
	}
}
