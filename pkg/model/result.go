package model

import "time"

// StageResult is the outcome of executing one stage, including retry
// bookkeeping and (when applicable) review/approval/iteration detail.
type StageResult struct {
	StageName        string
	Output           string
	Success          bool
	Error            string
	Attempt          int
	ExecutionTimeMs  int64
	AgentUsed        string
	ReviewOutput     string
	ApprovalGranted  *bool
	ApprovalFeedback string
	Iterations       []IterationResult
}

// IterationResult is the outcome of one repetition of an iterative stage.
type IterationResult struct {
	Index           int
	Item            interface{}
	Output          string
	Success         bool
	Error           string
	ExecutionTimeMs int64
}

// WorkflowResult is the final outcome of running a workflow end to end.
type WorkflowResult struct {
	WorkflowName string
	StartTime    time.Time
	EndTime      time.Time
	Success      bool
	Error        string
	Stages       map[string]*StageResult
	// StageOrder preserves the order stages were published, since Go maps
	// have no iteration order of their own.
	StageOrder []string
}

// NewWorkflowResult creates an empty result shell ready to be populated.
func NewWorkflowResult(workflowName string, start time.Time) *WorkflowResult {
	return &WorkflowResult{
		WorkflowName: workflowName,
		StartTime:    start,
		Stages:       make(map[string]*StageResult),
	}
}

// PublishStage records a stage result and appends it to the ordering.
func (r *WorkflowResult) PublishStage(result *StageResult) {
	if _, exists := r.Stages[result.StageName]; !exists {
		r.StageOrder = append(r.StageOrder, result.StageName)
	}
	r.Stages[result.StageName] = result
}

// OrderedStages returns stage results in publication order.
func (r *WorkflowResult) OrderedStages() []*StageResult {
	out := make([]*StageResult, 0, len(r.StageOrder))
	for _, name := range r.StageOrder {
		out = append(out, r.Stages[name])
	}
	return out
}
