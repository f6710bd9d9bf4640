package orchestrator

import (
	"github.com/conductorflow/kernel/internal/obslog"
	"github.com/conductorflow/kernel/pkg/model"
)

// Notifier receives execution lifecycle events from the engine. It replaces
// the full observer fan-out (database/HTTP/websocket) of a hosted
// deployment with an in-process hook; implementations must be fast and
// must not block, since stage events are emitted from worker goroutines.
type Notifier interface {
	WorkflowStarted(workflowName string)
	StageStarted(workflowName, stageName string)
	StageFinished(workflowName string, result *model.StageResult)
	WorkflowFinished(result *model.WorkflowResult)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) WorkflowStarted(string)                      {}
func (NopNotifier) StageStarted(string, string)                 {}
func (NopNotifier) StageFinished(string, *model.StageResult)    {}
func (NopNotifier) WorkflowFinished(*model.WorkflowResult)      {}

// LogNotifier writes every event to a structured logger.
type LogNotifier struct {
	Logger *obslog.Logger
}

func (n LogNotifier) WorkflowStarted(workflowName string) {
	n.Logger.Info("workflow started", "workflow", workflowName)
}

func (n LogNotifier) StageStarted(workflowName, stageName string) {
	n.Logger.Info("stage started", "workflow", workflowName, "stage", stageName)
}

func (n LogNotifier) StageFinished(workflowName string, result *model.StageResult) {
	if result.Success {
		n.Logger.Info("stage finished",
			"workflow", workflowName,
			"stage", result.StageName,
			"attempt", result.Attempt,
			"elapsed_ms", result.ExecutionTimeMs)
		return
	}
	n.Logger.Warn("stage failed",
		"workflow", workflowName,
		"stage", result.StageName,
		"attempt", result.Attempt,
		"error", result.Error)
}

func (n LogNotifier) WorkflowFinished(result *model.WorkflowResult) {
	n.Logger.Info("workflow finished",
		"workflow", result.WorkflowName,
		"success", result.Success,
		"stages", len(result.Stages),
		"elapsed", result.EndTime.Sub(result.StartTime).String())
}
