package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/conductorflow/kernel/pkg/approval"
	"github.com/conductorflow/kernel/pkg/model"
	"github.com/conductorflow/kernel/pkg/retry"
	"github.com/conductorflow/kernel/pkg/template"
	"github.com/conductorflow/kernel/pkg/variable"
)

// Validator is a pure function that inspects a successful StageResult and
// decides whether its output passes quality checks. A failing Validator
// drives a retry (if attempts remain) or, on the final attempt, is
// accepted with a logged warning rather than failing the stage.
type Validator func(result *model.StageResult) (valid bool, message string)

// Input bundles everything one (non-iterative) stage body run needs.
type Input struct {
	WorkflowName string
	Stage        *model.WorkflowStage
	AgentDefs    map[string]*model.AgentDefinition
	Prompts      map[string]*model.PromptTemplate
	Settings     model.Settings
	Namespace    *variable.Namespace
	MaxRetries   int // resolved: stage.RetryLimit, falling back to the workflow default
	Validator    Validator
	// RetryPolicy, when set, supplies the delay between failed attempts and
	// may veto a retry (non-retryable error classification or elapsed-time
	// cap) before MaxRetries is reached. Nil means retry immediately.
	RetryPolicy retry.Policy
}

// Executor runs one stage's attempt loop.
type Executor struct {
	Templates *template.Engine
	Agents    *AgentCache
	Factory   AgentFactory
	Approver  approval.Handler
}

// Run executes in's stage body once. Iteration, if the stage declares one,
// is driven by the caller wrapping Run per element/count/condition.
func (e *Executor) Run(ctx context.Context, in Input) *model.StageResult {
	primaryID, ok := in.Stage.PrimaryAgentID()
	if !ok {
		return failResult(in.Stage.Name, 0, "stage has no primary agent")
	}
	def, ok := in.AgentDefs[primaryID]
	if !ok {
		return failResult(in.Stage.Name, 0, fmt.Sprintf("unknown agent id: %s", primaryID))
	}

	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	ns := stageNamespace(in.Stage, in.Namespace, in.Settings)

	rc := retry.NewContext()
	var last *model.StageResult
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return failResult(in.Stage.Name, attempt, "interrupted")
		}

		result, retryable, err := e.attempt(ctx, in, def, ns, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return failResult(in.Stage.Name, attempt, "interrupted")
			}
			rc.RecordFailure(err)
			if attempt == maxRetries || !retryable ||
				(in.RetryPolicy != nil && !in.RetryPolicy.ShouldRetry(rc, err)) {
				return &model.StageResult{
					StageName: in.Stage.Name,
					Success:   false,
					Attempt:   attempt,
					Error:     fmt.Sprintf("%s failed after %d attempts: %s", in.Stage.Name, attempt, err.Error()),
				}
			}
			last = &model.StageResult{StageName: in.Stage.Name, Success: false, Attempt: attempt, Error: err.Error()}
			if in.RetryPolicy != nil {
				if interrupted := sleepDelay(ctx, in.RetryPolicy.Delay(rc.AttemptCount()-1)); interrupted {
					return failResult(in.Stage.Name, attempt, "interrupted")
				}
			}
			continue
		}
		rc.RecordSuccess()

		if in.Validator != nil {
			valid, message := in.Validator(result)
			if !valid {
				if attempt < maxRetries {
					last = result
					continue
				}
				// Final attempt: accept the output with a warning rather
				// than failing the stage (preserved source behavior).
				result.Error = fmt.Sprintf("accepted with validation warning: %s", message)
			}
		}

		if in.Stage.Approval != nil && in.Stage.Approval.Required {
			if gateErr := e.gateApproval(ctx, in, result); gateErr != nil {
				return gateErr
			}
		}

		return result
	}

	return last
}

// attempt runs exactly one invocation: resolve/create the agent, render
// the prompt, invoke, and (if a reviewer is configured) run the review
// pass. retryable reports whether a failure here should consume a retry
// attempt rather than being treated as immediately fatal.
func (e *Executor) attempt(ctx context.Context, in Input, def *model.AgentDefinition, ns *variable.Namespace, attempt int) (*model.StageResult, bool, error) {
	inv, err := e.Agents.GetOrCreate(def, e.Factory)
	if err != nil {
		return nil, true, fmt.Errorf("resolving agent %q: %w", def.ID, err)
	}

	prompt, err := e.renderPrompt(in, def, ns)
	if err != nil {
		return nil, true, fmt.Errorf("preparing prompt: %w", err)
	}

	start := time.Now()
	invokeResult, err := inv.Invoke(ctx, prompt, map[string]interface{}{
		"attempt": attempt,
		"stage":   in.Stage.Name,
	})
	elapsed := time.Since(start).Milliseconds()

	if err == nil && !invokeResult.OK {
		err = fmt.Errorf("agent invocation failed: %s", invokeResult.Output)
	}
	if err != nil {
		return nil, true, err
	}

	result := &model.StageResult{
		StageName:       in.Stage.Name,
		Output:          invokeResult.Output,
		Success:         true,
		Attempt:         attempt,
		ExecutionTimeMs: elapsed,
		AgentUsed:       inv.Name(),
	}

	if reviewerID, ok := in.Stage.ReviewerAgentID(); ok {
		if reviewDef, ok := in.AgentDefs[reviewerID]; ok {
			if out, rerr := e.runReview(ctx, in, reviewDef, ns, result); rerr == nil {
				result.ReviewOutput = out
			}
		}
	}

	return result, false, nil
}

// runReview invokes the reviewer agent against the primary output, adding
// it to the namespace as content_to_review so the reviewer's own prompt
// template can reference it.
func (e *Executor) runReview(ctx context.Context, in Input, reviewDef *model.AgentDefinition, ns *variable.Namespace, primary *model.StageResult) (string, error) {
	inv, err := e.Agents.GetOrCreate(reviewDef, e.Factory)
	if err != nil {
		return "", err
	}
	reviewNs := ns.WithLoop(mergeLoop(ns.Loop, map[string]interface{}{"content_to_review": primary.Output}))
	prompt, err := e.renderPrompt(in, reviewDef, reviewNs)
	if err != nil {
		return "", err
	}
	res, err := inv.Invoke(ctx, prompt, map[string]interface{}{"stage": in.Stage.Name, "role": "reviewer"})
	if err != nil || !res.OK {
		return "", fmt.Errorf("review failed")
	}
	return res.Output, nil
}

func mergeLoop(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// renderPrompt composes an agent's prompt template (system/user/assistant,
// any non-empty) against ns, joining the rendered sections in order.
func (e *Executor) renderPrompt(in Input, def *model.AgentDefinition, ns *variable.Namespace) (string, error) {
	tmpl, ok := in.Prompts[def.PromptTemplateID]
	if !ok {
		return "", fmt.Errorf("no prompt template %q for agent %q", def.PromptTemplateID, def.ID)
	}

	var parts []string
	for _, section := range []string{tmpl.System, tmpl.User, tmpl.Assistant} {
		if section == "" {
			continue
		}
		rendered, err := e.Templates.RenderString(section, ns)
		if err != nil {
			return "", err
		}
		parts = append(parts, rendered)
	}
	return strings.Join(parts, "\n\n"), nil
}

// gateApproval requests a decision on result and mutates it in place per
// the outcome, or returns a terminal failure StageResult if the stage
// should fail outright (rejection or timeout).
func (e *Executor) gateApproval(ctx context.Context, in Input, result *model.StageResult) *model.StageResult {
	timeout := 5 * time.Minute
	if in.Stage.Approval.Timeout != "" {
		if d, err := time.ParseDuration(in.Stage.Approval.Timeout); err == nil {
			timeout = d
		}
	}

	if in.Stage.Approval.AutoApprove {
		granted := true
		result.ApprovalGranted = &granted
		return nil
	}

	decision, err := e.Approver.RequestApproval(ctx, approval.Request{
		WorkflowName: in.WorkflowName,
		StageName:    in.Stage.Name,
		Description:  in.Stage.Description,
		AgentOutput:  result.Output,
		ReviewOutput: result.ReviewOutput,
	}, timeout)
	if err != nil {
		return failResult(in.Stage.Name, result.Attempt, err.Error())
	}

	switch {
	case decision.Approved:
		granted := true
		result.ApprovalGranted = &granted
		result.ApprovalFeedback = decision.Feedback
		return nil
	case decision.TimedOut:
		return failResult(in.Stage.Name, result.Attempt, "approval timed out")
	default: // Rejected
		rejected := false
		result.ApprovalGranted = &rejected
		result.ApprovalFeedback = decision.Feedback
		return failResult(in.Stage.Name, result.Attempt, "rejected by reviewer")
	}
}

// sleepDelay blocks for d (when positive), returning true if ctx was
// cancelled before the delay elapsed.
func sleepDelay(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() != nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func failResult(stageName string, attempt int, message string) *model.StageResult {
	return &model.StageResult{
		StageName: stageName,
		Success:   false,
		Attempt:   attempt,
		Error:     message,
	}
}
