// Package orchestrator drives a workflow end to end: it builds the
// execution plan, walks it wave by wave through the parallel stage
// executor, publishes each completed stage's output into the runtime
// namespace so later waves can reference it, applies the failure policy,
// and assembles the final WorkflowResult.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorflow/kernel/internal/config"
	"github.com/conductorflow/kernel/internal/obslog"
	"github.com/conductorflow/kernel/pkg/approval"
	"github.com/conductorflow/kernel/pkg/definition"
	"github.com/conductorflow/kernel/pkg/model"
	"github.com/conductorflow/kernel/pkg/parallel"
	"github.com/conductorflow/kernel/pkg/plan"
	"github.com/conductorflow/kernel/pkg/retry"
	"github.com/conductorflow/kernel/pkg/stage"
	"github.com/conductorflow/kernel/pkg/template"
	"github.com/conductorflow/kernel/pkg/variable"
)

// OutputWriter persists a stage's rendered output files. It is an external
// collaborator; a nil writer means output emission is skipped entirely.
type OutputWriter interface {
	Write(path string, content []byte) error
}

// FileOutputWriter writes outputs to the local filesystem, creating parent
// directories as needed.
type FileOutputWriter struct{}

func (FileOutputWriter) Write(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// EngineConfig holds everything the engine needs up front; the engine
// exposes no ambient state beyond the template and agent caches it owns.
type EngineConfig struct {
	MaxParallelism    int
	StageTimeout      time.Duration
	MaxRetries        int
	TemplateCacheSize int
	// ContinueOnFailure keeps executing later waves after a stage fails
	// instead of stopping once the failing wave completes. Defaults off.
	ContinueOnFailure bool
	CloseGracePeriod  time.Duration
	CloseForceTimeout time.Duration
}

// DefaultEngineConfig returns the built-in defaults: a worker pool of
// twice the logical CPU count, a five-minute stage timeout, and a
// 256-entry template compile cache.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelism:    2 * runtime.NumCPU(),
		StageTimeout:      parallel.DefaultTimeout,
		MaxRetries:        1,
		TemplateCacheSize: 256,
		CloseGracePeriod:  30 * time.Second,
		CloseForceTimeout: 10 * time.Second,
	}
}

// EngineConfigFrom maps the ambient environment configuration onto an
// EngineConfig.
func EngineConfigFrom(ec config.EngineConfig) EngineConfig {
	cfg := DefaultEngineConfig()
	if ec.DefaultMaxParallelism > 0 {
		cfg.MaxParallelism = ec.DefaultMaxParallelism
	}
	if ec.DefaultStageTimeout > 0 {
		cfg.StageTimeout = ec.DefaultStageTimeout
	}
	if ec.DefaultMaxRetries > 0 {
		cfg.MaxRetries = ec.DefaultMaxRetries
	}
	cfg.TemplateCacheSize = ec.TemplateCacheSize
	if ec.CloseGracePeriod > 0 {
		cfg.CloseGracePeriod = ec.CloseGracePeriod
	}
	if ec.CloseForceTimeout > 0 {
		cfg.CloseForceTimeout = ec.CloseForceTimeout
	}
	return cfg
}

// Engine executes workflows. Construct with NewEngine, load the definition
// and agent documents, then call Execute; Close releases the caches and
// refuses further work.
type Engine struct {
	cfg       EngineConfig
	templates *template.Engine
	cond      *template.Condition
	agents    *stage.AgentCache
	notifier  Notifier
	logger    *obslog.Logger
	writer    OutputWriter

	factory     stage.AgentFactory
	approver    approval.Handler
	validators  map[string]stage.Validator
	retryPolicy retry.Policy

	mu        sync.Mutex
	closed    bool
	def       *model.WorkflowDefinition
	agentDefs map[string]*model.AgentDefinition
	prompts   map[string]*model.PromptTemplate

	rootCtx    context.Context
	rootCancel context.CancelFunc
	inflight   sync.WaitGroup
}

// Option customizes an Engine at construction time.
type Option func(*Engine)

// WithNotifier installs a lifecycle event receiver.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithLogger replaces the default logger.
func WithLogger(l *obslog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithApprover installs the approval handler stages with approval gates
// are driven through.
func WithApprover(h approval.Handler) Option { return func(e *Engine) { e.approver = h } }

// WithAgentFactory installs the factory that resolves agent definitions to
// invokable instances (the "orchestrator configured" half of readiness).
func WithAgentFactory(f stage.AgentFactory) Option { return func(e *Engine) { e.factory = f } }

// WithValidator attaches an output validator to the named stage.
func WithValidator(stageName string, v stage.Validator) Option {
	return func(e *Engine) { e.validators[stageName] = v }
}

// WithRetryPolicy installs the policy that paces delays between a stage's
// failed attempts. Nil (the default) retries immediately.
func WithRetryPolicy(p retry.Policy) Option { return func(e *Engine) { e.retryPolicy = p } }

// WithOutputWriter installs the collaborator that persists stage output
// files. Nil (the default) skips output emission.
func WithOutputWriter(w OutputWriter) Option { return func(e *Engine) { e.writer = w } }

// NewEngine constructs an Engine from cfg. The engine owns its template
// compile cache and agent cache; both live until Close.
func NewEngine(cfg EngineConfig, opts ...Option) *Engine {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		templates:  template.NewEngine(cfg.TemplateCacheSize),
		cond:       template.NewCondition(cfg.TemplateCacheSize),
		agents:     stage.NewAgentCache(),
		notifier:   NopNotifier{},
		logger:     obslog.Default(),
		approver:   approval.AutoApprover{},
		validators: make(map[string]stage.Validator),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadDefinition installs the workflow definition to execute. The
// definition is treated as read-only from here on; structural validation
// is the document loader's job (pkg/definition validates on parse), so a
// caller-constructed definition is accepted as-is.
func (e *Engine) LoadDefinition(def *model.WorkflowDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.def = def
}

// LoadAgents installs the agent definitions and prompt templates the
// workflow's stages reference.
func (e *Engine) LoadAgents(agents map[string]*model.AgentDefinition, prompts map[string]*model.PromptTemplate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agentDefs = agents
	e.prompts = prompts
}

// IsReady reports whether the engine can execute: not closed, definition
// loaded, agent configurations loaded, and an agent factory configured.
func (e *Engine) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && e.def != nil && e.agentDefs != nil && e.prompts != nil && e.factory != nil
}

// TemplateStats exposes the compile cache's occupancy snapshot.
func (e *Engine) TemplateStats() template.Stats {
	return e.templates.Stats()
}

// Execute runs the loaded workflow against the given positional inputs,
// returning the aggregate result. Execute may be called multiple times on
// one engine; runs share the template and agent caches but nothing else.
func (e *Engine) Execute(ctx context.Context, inputs ...string) (*model.WorkflowResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, model.NewKernelError(model.ErrorKindEngineClosed, "engine closed", nil)
	}
	def, agentDefs, prompts, factory := e.def, e.agentDefs, e.prompts, e.factory
	e.mu.Unlock()

	if def == nil || agentDefs == nil || prompts == nil || factory == nil {
		return nil, fmt.Errorf("engine is not ready: definition, agents, and factory must be loaded")
	}

	execPlan, err := plan.Build(def.Stages)
	if err != nil {
		return nil, err
	}

	e.inflight.Add(1)
	defer e.inflight.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.rootCtx, cancel)
	defer stop()

	start := time.Now()
	result := model.NewWorkflowResult(def.Name, start)
	ns := e.buildNamespace(def, inputs, start)
	pool := parallel.NewExecutor(e.cfg.MaxParallelism, e.stageTimeout(def))

	e.notifier.WorkflowStarted(def.Name)

	var firstFailure *model.StageResult
	for _, wave := range execPlan.Waves() {
		failed := e.runWave(runCtx, pool, wave, def, agentDefs, prompts, ns, result)
		if failed != nil {
			if firstFailure == nil {
				firstFailure = failed
			}
			if !e.cfg.ContinueOnFailure {
				break
			}
		}
	}

	if firstFailure != nil {
		result.Success = false
		result.Error = fmt.Sprintf("Stage '%s' failed: %s", firstFailure.StageName, firstFailure.Error)
	} else {
		result.Success = true
	}
	result.EndTime = time.Now()
	e.notifier.WorkflowFinished(result)
	return result, nil
}

// runWave executes one wave through the parallel executor and publishes
// its results. Returns the first failed stage result, if any.
func (e *Engine) runWave(ctx context.Context, pool *parallel.Executor, wave *plan.ExecutionWave,
	def *model.WorkflowDefinition, agentDefs map[string]*model.AgentDefinition,
	prompts map[string]*model.PromptTemplate, ns *variable.Namespace, result *model.WorkflowResult) *model.StageResult {

	names := make([]string, 0, len(wave.Stages))
	tasks := make(map[string]parallel.Task, len(wave.Stages))

	for _, st := range wave.Stages {
		st := st
		names = append(names, st.Name)
		tasks[st.Name] = func(taskCtx context.Context) (interface{}, error) {
			e.notifier.StageStarted(def.Name, st.Name)
			sr := e.executeStage(taskCtx, st, def, agentDefs, prompts, ns)
			e.notifier.StageFinished(def.Name, sr)
			if !sr.Success && !e.cfg.ContinueOnFailure {
				// A non-nil error is the fail-fast gate: it cancels the
				// wave's remaining siblings. The result itself still
				// travels back as the task value.
				return sr, fmt.Errorf("stage %q failed: %s", st.Name, sr.Error)
			}
			return sr, nil
		}
	}

	outcomes, _ := pool.RunWave(ctx, names, tasks)

	// Publication is the wave barrier: results enter the namespace only
	// here, after every task has returned, so in-wave renders never race a
	// sibling's write.
	var failed *model.StageResult
	for _, name := range names {
		sr := stageResultOf(name, outcomes[name])
		result.PublishStage(sr)
		if sr.Success {
			ns.Stages[name] = map[string]interface{}{
				"output": sr.Output,
				"review": sr.ReviewOutput,
			}
			e.emitOutputs(def, stageByName(wave, name), sr, ns)
			continue
		}
		// Prefer reporting the triggering failure over a sibling that was
		// merely cancelled because of it.
		if failed == nil || failed.Error == "cancelled" || failed.Error == "interrupted" {
			failed = sr
		}
	}
	return failed
}

// executeStage builds the stage.Input for one stage and runs its body (or
// its iteration driver when the stage is iterative).
func (e *Engine) executeStage(ctx context.Context, st *model.WorkflowStage,
	def *model.WorkflowDefinition, agentDefs map[string]*model.AgentDefinition,
	prompts map[string]*model.PromptTemplate, ns *variable.Namespace) *model.StageResult {

	maxRetries := st.RetryLimit
	if maxRetries <= 0 {
		maxRetries = def.Settings.MaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}

	in := stage.Input{
		WorkflowName: def.Name,
		Stage:        st,
		AgentDefs:    agentDefs,
		Prompts:      prompts,
		Settings:     def.Settings,
		Namespace:    ns,
		MaxRetries:   maxRetries,
		Validator:    e.validators[st.Name],
		RetryPolicy:  e.retryPolicy,
	}

	exec := &stage.Executor{
		Templates: e.templates,
		Agents:    e.agents,
		Factory:   e.factory,
		Approver:  e.approver,
	}

	if st.Iteration != nil {
		return exec.RunIterative(ctx, in, e.cond)
	}
	return exec.Run(ctx, in)
}

// emitOutputs renders the stage's output-path templates and hands the
// stage output to the configured writer. Failures are logged, not fatal:
// a workflow whose content succeeded should not fail on a disk hiccup
// after the fact.
func (e *Engine) emitOutputs(def *model.WorkflowDefinition, st *model.WorkflowStage, sr *model.StageResult, ns *variable.Namespace) {
	if e.writer == nil || st == nil || len(st.Outputs) == 0 {
		return
	}
	dir := definition.ResolveOutputDir(def.Settings.OutputDir, def.Name, time.Now())
	for _, tmpl := range st.Outputs {
		rel := variable.Substitute(tmpl, ns)
		path := filepath.Join(dir, rel)
		if err := e.writer.Write(path, []byte(sr.Output)); err != nil {
			e.logger.Warn("writing stage output failed", "stage", st.Name, "path", path, "error", err)
		}
	}
}

// Close cancels any in-flight execution, waits for workers to drain within
// the grace period (plus a forced-shutdown allowance), clears the template
// and agent caches, and closes the approval handler. Subsequent Execute
// calls fail fast.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.rootCancel()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.CloseGracePeriod + e.cfg.CloseForceTimeout):
		e.logger.Warn("engine close timed out waiting for in-flight executions")
	}

	e.templates.Clear()
	e.agents.Clear()
	return e.approver.Close()
}

// buildNamespace assembles the run's root namespace: workflow variables
// merged with the positional-input bindings, over the engine built-ins.
func (e *Engine) buildNamespace(def *model.WorkflowDefinition, inputs []string, start time.Time) *variable.Namespace {
	ns := variable.NewNamespace()
	ns.Logger = e.logger.Slog()
	for k, v := range def.Variables {
		ns.Workflow[k] = v
	}
	for k, v := range stage.BindInputs(inputs) {
		ns.Workflow[k] = v
	}
	ns.Builtins["timestamp"] = start.Format("20060102-150405")
	ns.Builtins["date"] = start.Format("2006-01-02")
	ns.Builtins["time"] = start.Format("15:04:05")
	ns.Builtins["uuid"] = uuid.NewString()
	ns.Builtins["user_name"] = currentUserName()
	ns.Builtins["workflow"] = def.Name
	return ns
}

// stageTimeout resolves the per-stage timeout: the definition's settings
// override the engine default when they parse as a duration.
func (e *Engine) stageTimeout(def *model.WorkflowDefinition) time.Duration {
	if def.Settings.Timeout != "" {
		if d, err := time.ParseDuration(def.Settings.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return e.cfg.StageTimeout
}

func currentUserName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

// stageResultOf turns a parallel outcome back into a StageResult,
// synthesizing one for tasks that were cancelled before producing a value.
func stageResultOf(name string, o *parallel.Outcome) *model.StageResult {
	if o == nil {
		return &model.StageResult{StageName: name, Success: false, Error: "cancelled"}
	}
	if sr, ok := o.Value.(*model.StageResult); ok && sr != nil {
		// A task whose body observed cancellation reports "interrupted";
		// when the cancellation came from this task's own timeout, the
		// outer error carries the more specific classification.
		if o.Err != nil && !sr.Success && sr.Error == "interrupted" && strings.Contains(o.Err.Error(), "timed out") {
			sr.Error = o.Err.Error()
		}
		return sr
	}
	if o.Cancelled {
		return &model.StageResult{StageName: name, Success: false, Error: "cancelled"}
	}
	msg := "cancelled"
	if o.Err != nil {
		msg = o.Err.Error()
	}
	return &model.StageResult{StageName: name, Success: false, Error: msg}
}

func stageByName(wave *plan.ExecutionWave, name string) *model.WorkflowStage {
	for _, s := range wave.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}
