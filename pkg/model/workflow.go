// Package model holds the value types that describe a workflow definition
// and the results produced while executing one. Types here are plain
// structs validated via Validate(); none of them carry execution behavior.
package model

import "fmt"

// WorkflowDefinition is the root value parsed from a workflow document.
type WorkflowDefinition struct {
	Name        string
	Description string
	Version     string
	Settings    Settings
	Variables   map[string]interface{}
	Stages      []*WorkflowStage
}

// Settings holds workflow-level execution defaults.
type Settings struct {
	OutputDir             string
	MaxRetries            int
	Timeout               string
	TargetWordsPerChapter int
	MaxWordsPerChapter    int
}

// WorkflowStage is one node of the workflow DAG.
type WorkflowStage struct {
	Name        string
	Description string
	DependsOn   []string
	Agents      []AgentRole // ordered; first is primary, optional "reviewer" role
	Approval    *ApprovalConfig
	Outputs     []string
	RetryLimit  int // 0 means "use workflow default"
	Iteration   *IterationConfig
	Parallel    bool
}

// AgentRole binds a role name ("primary", "reviewer", ...) to an agent ID.
type AgentRole struct {
	Role    string
	AgentID string
}

// ApprovalConfig gates a stage's success on a human (or automated) decision.
type ApprovalConfig struct {
	Required    bool
	PerItem     bool
	Timeout     string // duration literal, e.g. "30s", "5m", "1h"
	AutoApprove bool
}

// AgentType distinguishes LLM-backed agents from tool agents.
type AgentType string

const (
	AgentTypeLLM  AgentType = "llm"
	AgentTypeTool AgentType = "tool"
)

// AgentDefinition describes one invokable agent.
type AgentDefinition struct {
	ID               string
	Type             AgentType
	Role             string
	Provider         string
	Model            string
	PromptTemplateID string
	ContextWindow    int
	Parameters       map[string]interface{}
}

// PromptTemplate holds the raw (unrendered) template strings for an agent.
type PromptTemplate struct {
	System    string
	User      string
	Assistant string
}

// IterationType selects how a stage repeats its agent invocation.
type IterationType string

const (
	IterationDataDriven  IterationType = "dataDriven"
	IterationCountBased  IterationType = "countBased"
	IterationConditional IterationType = "conditional"
)

// ErrorStrategy controls how an iterative stage reacts to a per-item failure.
type ErrorStrategy string

const (
	ErrorStrategyFailFast ErrorStrategy = "failFast"
	ErrorStrategyContinue ErrorStrategy = "continue"
	ErrorStrategyRetry    ErrorStrategy = "retry"
)

// IterationConfig configures a stage-local repetition of its agent
// invocation over a data sequence, count range, or while-condition.
type IterationConfig struct {
	Type     IterationType
	Variable string

	// dataDriven
	Source string

	// countBased
	Count string // integer literal or a variable reference, e.g. "${chapters}"
	Start int

	// conditional
	Condition       string
	MaxIterations   int
	UpdateVariables map[string]string

	Parallel         bool
	MaxConcurrent    int
	ErrorStrategy    ErrorStrategy
	RetryCount       int
	IterationTimeout string
}

// Validate checks structural invariants for a WorkflowDefinition. It
// accumulates every problem it finds rather than stopping at the first.
func (d *WorkflowDefinition) Validate() error {
	errs := &ValidationErrors{}

	if d.Name == "" {
		errs.Add("name", "workflow name is required")
	}
	if len(d.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}

	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.Name == "" {
			errs.Add("stages", "stage name is required")
			continue
		}
		if seen[s.Name] {
			errs.Add("stages", fmt.Sprintf("duplicate stage name: %s", s.Name))
			continue
		}
		seen[s.Name] = true
	}

	for _, s := range d.Stages {
		if err := s.Validate(); err != nil {
			if ve, ok := err.(*ValidationErrors); ok {
				errs.Errors = append(errs.Errors, ve.Errors...)
			} else if ve, ok := err.(*ValidationError); ok {
				errs.Errors = append(errs.Errors, ve)
			}
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				errs.Add("dependsOn", fmt.Sprintf("stage %q depends on unknown stage %q", s.Name, dep))
			}
		}
	}

	return errs.AsError()
}

// Validate checks structural invariants for a single WorkflowStage.
func (s *WorkflowStage) Validate() error {
	errs := &ValidationErrors{}

	if s.Name == "" {
		errs.Add("name", "stage name is required")
	}
	if len(s.Agents) == 0 {
		errs.Add("agents", fmt.Sprintf("stage %q requires at least one agent", s.Name))
	}
	if s.Approval != nil && s.Approval.PerItem && s.Iteration != nil && s.Iteration.Parallel {
		errs.Add("approval.perItem", fmt.Sprintf("stage %q: perItem approval requires iteration.parallel=false", s.Name))
	}
	if s.Iteration != nil {
		if err := s.Iteration.Validate(); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				errs.Errors = append(errs.Errors, ve)
			}
		}
	}

	return errs.AsError()
}

// Validate checks structural invariants for an IterationConfig.
func (c *IterationConfig) Validate() error {
	switch c.Type {
	case IterationDataDriven:
		if c.Source == "" {
			return &ValidationError{Field: "iteration.source", Message: "dataDriven iteration requires a source"}
		}
	case IterationCountBased:
		if c.Count == "" {
			return &ValidationError{Field: "iteration.count", Message: "countBased iteration requires a count"}
		}
	case IterationConditional:
		if c.Condition == "" {
			return &ValidationError{Field: "iteration.condition", Message: "conditional iteration requires a condition"}
		}
		if c.MaxIterations < 1 {
			return &ValidationError{Field: "iteration.maxIterations", Message: "conditional iteration requires maxIterations >= 1"}
		}
	default:
		return &ValidationError{Field: "iteration.type", Message: fmt.Sprintf("unknown iteration type: %s", c.Type)}
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return nil
}

// Validate checks structural invariants for an AgentDefinition.
func (a *AgentDefinition) Validate() error {
	if a.ID == "" {
		return &ValidationError{Field: "id", Message: "agent ID is required"}
	}
	if a.Type == AgentTypeLLM && a.PromptTemplateID == "" {
		return &ValidationError{Field: "promptTemplateId", Message: fmt.Sprintf("agent %q: type=llm requires a promptTemplateId", a.ID)}
	}
	if a.Type == AgentTypeTool && a.Provider == "" {
		return &ValidationError{Field: "provider", Message: fmt.Sprintf("agent %q: type=tool requires a recognized provider", a.ID)}
	}
	return nil
}

// Validate checks that at least one of system/user/assistant is present.
func (t *PromptTemplate) Validate() error {
	if t.System == "" && t.User == "" && t.Assistant == "" {
		return &ValidationError{Field: "promptTemplate", Message: "at least one of system, user, assistant is required"}
	}
	return nil
}

// PrimaryAgentID returns the agent ID bound to the first (primary) role.
func (s *WorkflowStage) PrimaryAgentID() (string, bool) {
	if len(s.Agents) == 0 {
		return "", false
	}
	return s.Agents[0].AgentID, true
}

// ReviewerAgentID returns the agent ID bound to the "reviewer" role, if any.
func (s *WorkflowStage) ReviewerAgentID() (string, bool) {
	for _, a := range s.Agents {
		if a.Role == "reviewer" {
			return a.AgentID, true
		}
	}
	return "", false
}
