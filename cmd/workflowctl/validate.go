package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conductorflow/kernel/pkg/definition"
	"github.com/conductorflow/kernel/pkg/model"
	"github.com/conductorflow/kernel/pkg/plan"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate file.yaml [file2.yaml ...]",
		Short: "Validate workflow definition documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := 0
			for _, path := range args {
				errs := validateFile(path)
				if len(errs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: Valid\n", path)
					continue
				}
				invalid++
				fmt.Fprintf(cmd.OutOrStdout(), "%s: Invalid\n", path)
				for _, e := range errs {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", e)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) checked, %d invalid\n", len(args), invalid)
			if invalid > 0 {
				return fmt.Errorf("%d invalid file(s)", invalid)
			}
			return nil
		},
	}
}

// validateFile collects every schema and business-rule error for one
// document: parse-level validation first (which already reports unknown
// dependencies), then plan construction, which surfaces the
// circular-dependency errors the structural pass cannot see.
func validateFile(path string) []string {
	def, err := definition.LoadWorkflowFile(path)
	if err != nil {
		if ve, ok := err.(*model.ValidationErrors); ok {
			msgs := make([]string, 0, len(ve.Errors))
			for _, e := range ve.Errors {
				msgs = append(msgs, e.Error())
			}
			return msgs
		}
		return []string{err.Error()}
	}

	if _, err := plan.Build(def.Stages); err != nil {
		return []string{err.Error()}
	}
	return nil
}
