// Package definition loads a workflow definition document (the bundled
// reference implementation of the "document parser" external collaborator)
// from YAML into pkg/model types, per the bit-compatible schema: top-level
// workflow{}/settings{}/variables{}/stages[] plus a sibling agents{} /
// prompt_templates{} document.
package definition

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conductorflow/kernel/pkg/model"
)

// workflowDoc mirrors the YAML schema's snake_case keys before translation
// into pkg/model's Go-idiomatic field names.
type workflowDoc struct {
	Workflow struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Version     string `yaml:"version"`
	} `yaml:"workflow"`
	Settings struct {
		OutputDir             string `yaml:"output_dir"`
		MaxRetries            int    `yaml:"max_retries"`
		Timeout               string `yaml:"timeout"`
		TargetWordsPerChapter int    `yaml:"target_words_per_chapter"`
		MaxWordsPerChapter    int    `yaml:"max_words_per_chapter"`
	} `yaml:"settings"`
	Variables map[string]interface{} `yaml:"variables"`
	Stages    []stageDoc              `yaml:"stages"`
}

type stageDoc struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	DependsOn   []string          `yaml:"depends_on"`
	Parallel    bool              `yaml:"parallel"`
	Agents      map[string]string `yaml:"agents"` // role -> agent id
	Approval    *approvalDoc      `yaml:"approval"`
	Outputs     []string          `yaml:"outputs"`
	RetryLimit  int               `yaml:"retry_limit"`
	Iteration   *iterationDoc     `yaml:"iteration"`
}

type approvalDoc struct {
	Required    bool   `yaml:"required"`
	PerItem     bool   `yaml:"per_item"`
	Timeout     string `yaml:"timeout"`
	AutoApprove bool   `yaml:"auto_approve"`
}

type iterationDoc struct {
	Type             string            `yaml:"type"`
	Variable         string            `yaml:"variable"`
	Source           string            `yaml:"source"`
	Count            string            `yaml:"count"`
	Start            int               `yaml:"start"`
	Condition        string            `yaml:"condition"`
	MaxIterations    int               `yaml:"max_iterations"`
	UpdateVariables  map[string]string `yaml:"update_variables"`
	Parallel         bool              `yaml:"parallel"`
	MaxConcurrent    int               `yaml:"max_concurrent"`
	ErrorStrategy    string            `yaml:"error_strategy"`
	RetryCount       int               `yaml:"retry_count"`
	IterationTimeout string            `yaml:"iteration_timeout"`
}

// agentsDoc is the sibling agents/prompt_templates document.
type agentsDoc struct {
	Agents map[string]agentEntryDoc `yaml:"agents"`

	PromptTemplates map[string]promptEntryDoc `yaml:"prompt_templates"`
}

type agentEntryDoc struct {
	Type             string                 `yaml:"type"`
	Role             string                 `yaml:"role"`
	Provider         string                 `yaml:"provider"`
	Model            string                 `yaml:"model"`
	PromptTemplate   string                 `yaml:"prompt_template"`
	ContextWindow    int                    `yaml:"context_window"`
	Parameters       map[string]interface{} `yaml:"parameters"`
}

type promptEntryDoc struct {
	System    string `yaml:"system"`
	User      string `yaml:"user"`
	Assistant string `yaml:"assistant"`
}

// LoadWorkflowFile reads and parses a workflow definition document from
// path, returning a validated model.WorkflowDefinition.
func LoadWorkflowFile(path string) (*model.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseWorkflow(raw)
}

// ParseWorkflow decodes raw YAML bytes into a validated
// model.WorkflowDefinition.
func ParseWorkflow(raw []byte) (*model.WorkflowDefinition, error) {
	var doc workflowDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing workflow document: %w", err)
	}

	def := &model.WorkflowDefinition{
		Name:        doc.Workflow.Name,
		Description: doc.Workflow.Description,
		Version:     doc.Workflow.Version,
		Settings: model.Settings{
			OutputDir:             doc.Settings.OutputDir,
			MaxRetries:            doc.Settings.MaxRetries,
			Timeout:               doc.Settings.Timeout,
			TargetWordsPerChapter: doc.Settings.TargetWordsPerChapter,
			MaxWordsPerChapter:    doc.Settings.MaxWordsPerChapter,
		},
		Variables: doc.Variables,
	}

	for _, s := range doc.Stages {
		stage, err := convertStage(s)
		if err != nil {
			return nil, err
		}
		def.Stages = append(def.Stages, stage)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func convertStage(s stageDoc) (*model.WorkflowStage, error) {
	stage := &model.WorkflowStage{
		Name:        s.Name,
		Description: s.Description,
		DependsOn:   s.DependsOn,
		Parallel:    s.Parallel,
		Outputs:     s.Outputs,
		RetryLimit:  s.RetryLimit,
	}

	// agents{} is role->id; "primary" must sort first so
	// WorkflowStage.PrimaryAgentID() picks the right one regardless of
	// declaration order in the YAML map.
	if primaryID, ok := s.Agents["primary"]; ok {
		stage.Agents = append(stage.Agents, model.AgentRole{Role: "primary", AgentID: primaryID})
	}
	for role, id := range s.Agents {
		if role == "primary" {
			continue
		}
		stage.Agents = append(stage.Agents, model.AgentRole{Role: role, AgentID: id})
	}

	if s.Approval != nil {
		stage.Approval = &model.ApprovalConfig{
			Required:    s.Approval.Required,
			PerItem:     s.Approval.PerItem,
			Timeout:     s.Approval.Timeout,
			AutoApprove: s.Approval.AutoApprove,
		}
	}

	if s.Iteration != nil {
		stage.Iteration = &model.IterationConfig{
			Type:             model.IterationType(s.Iteration.Type),
			Variable:         s.Iteration.Variable,
			Source:           s.Iteration.Source,
			Count:            s.Iteration.Count,
			Start:            s.Iteration.Start,
			Condition:        s.Iteration.Condition,
			MaxIterations:    s.Iteration.MaxIterations,
			UpdateVariables:  s.Iteration.UpdateVariables,
			Parallel:         s.Iteration.Parallel,
			MaxConcurrent:    s.Iteration.MaxConcurrent,
			ErrorStrategy:    model.ErrorStrategy(s.Iteration.ErrorStrategy),
			RetryCount:       s.Iteration.RetryCount,
			IterationTimeout: s.Iteration.IterationTimeout,
		}
	}

	return stage, nil
}

// LoadAgentsFile reads and parses an agents+prompt-templates document from
// path.
func LoadAgentsFile(path string) (map[string]*model.AgentDefinition, map[string]*model.PromptTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseAgents(raw)
}

// ParseAgents decodes raw YAML bytes into validated agent definitions and
// prompt templates.
func ParseAgents(raw []byte) (map[string]*model.AgentDefinition, map[string]*model.PromptTemplate, error) {
	var doc agentsDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing agents document: %w", err)
	}

	agents := make(map[string]*model.AgentDefinition, len(doc.Agents))
	for id, a := range doc.Agents {
		def := &model.AgentDefinition{
			ID:               id,
			Type:             model.AgentType(a.Type),
			Role:             a.Role,
			Provider:         a.Provider,
			Model:            a.Model,
			PromptTemplateID: a.PromptTemplate,
			ContextWindow:    a.ContextWindow,
			Parameters:       a.Parameters,
		}
		if err := def.Validate(); err != nil {
			return nil, nil, err
		}
		agents[id] = def
	}

	prompts := make(map[string]*model.PromptTemplate, len(doc.PromptTemplates))
	for id, p := range doc.PromptTemplates {
		tmpl := &model.PromptTemplate{System: p.System, User: p.User, Assistant: p.Assistant}
		if err := tmpl.Validate(); err != nil {
			return nil, nil, err
		}
		prompts[id] = tmpl
	}

	return agents, prompts, nil
}
