package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conductorflow/kernel/internal/config"
	"github.com/conductorflow/kernel/internal/obslog"
	"github.com/conductorflow/kernel/pkg/agent"
	"github.com/conductorflow/kernel/pkg/definition"
	"github.com/conductorflow/kernel/pkg/model"
	"github.com/conductorflow/kernel/pkg/orchestrator"
	"github.com/conductorflow/kernel/pkg/stage"
)

func newRunCmd() *cobra.Command {
	var agentsFile string
	var writeOutputs bool

	cmd := &cobra.Command{
		Use:   "run workflow.yaml [input ...]",
		Short: "Execute a workflow against the built-in echo agent",
		Long: "Execute a workflow end to end. Every agent resolves to the " +
			"built-in echo invoker, which makes runs deterministic and useful " +
			"for exercising a definition before wiring real providers. " +
			"--agents supplies the agent definitions and prompt templates; " +
			"without it each agent gets one shared echo prompt.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := definition.LoadWorkflowFile(args[0])
			if err != nil {
				return err
			}

			agentDefs, prompts, err := loadAgents(agentsFile, def)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			opts := []orchestrator.Option{
				orchestrator.WithAgentFactory(stage.AgentFactoryFunc(func(d *model.AgentDefinition) (agent.Invoker, error) {
					return agent.EchoInvoker{AgentID: d.ID}, nil
				})),
				orchestrator.WithNotifier(orchestrator.LogNotifier{Logger: obslog.Default()}),
			}
			if writeOutputs {
				opts = append(opts, orchestrator.WithOutputWriter(orchestrator.FileOutputWriter{}))
			}

			engine := orchestrator.NewEngine(orchestrator.EngineConfigFrom(cfg.Engine), opts...)
			defer engine.Close()
			engine.LoadDefinition(def)
			engine.LoadAgents(agentDefs, prompts)

			result, err := engine.Execute(cmd.Context(), args[1:]...)
			if err != nil {
				return err
			}

			for _, sr := range result.OrderedStages() {
				status := "ok"
				if !sr.Success {
					status = "FAILED: " + sr.Error
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %s (%d attempt(s), %dms)\n",
					sr.StageName, status, sr.Attempt, sr.ExecutionTimeMs)
			}
			if !result.Success {
				return fmt.Errorf("%s", result.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %q succeeded in %s\n",
				result.WorkflowName, result.EndTime.Sub(result.StartTime))
			return nil
		},
	}

	cmd.Flags().StringVar(&agentsFile, "agents", "", "agents + prompt_templates document (defaults to a generated echo agent per agent ID)")
	cmd.Flags().BoolVar(&writeOutputs, "write-outputs", false, "write stage output files per the definition's outputs templates")
	return cmd
}

// loadAgents reads the agents document when given, or synthesizes one echo
// agent per referenced agent ID, all sharing one prompt that renders the
// first input (topic), so a bare definition stays runnable.
func loadAgents(path string, def *model.WorkflowDefinition) (map[string]*model.AgentDefinition, map[string]*model.PromptTemplate, error) {
	if path != "" {
		return definition.LoadAgentsFile(path)
	}

	agents := make(map[string]*model.AgentDefinition)
	prompts := map[string]*model.PromptTemplate{
		"echo": {User: "{{ topic | default:'run' }}"},
	}
	for _, s := range def.Stages {
		for _, a := range s.Agents {
			if _, ok := agents[a.AgentID]; !ok {
				agents[a.AgentID] = &model.AgentDefinition{
					ID:               a.AgentID,
					Type:             model.AgentTypeLLM,
					Role:             a.Role,
					PromptTemplateID: "echo",
				}
			}
		}
	}
	return agents, prompts, nil
}
