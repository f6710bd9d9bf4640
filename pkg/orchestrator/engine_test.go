package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorflow/kernel/pkg/agent"
	"github.com/conductorflow/kernel/pkg/model"
	"github.com/conductorflow/kernel/pkg/retry"
	"github.com/conductorflow/kernel/pkg/stage"
)

// stageNameFactory builds invokers that answer with fn(stageName), reading
// the stage name from the invocation metadata.
func stageNameFactory(fn func(stageName string) (agent.InvokeResult, error)) stage.AgentFactory {
	return stage.AgentFactoryFunc(func(def *model.AgentDefinition) (agent.Invoker, error) {
		return agent.FuncInvoker{
			AgentID: def.ID,
			InvokeFn: func(_ context.Context, _ string, meta map[string]interface{}) (agent.InvokeResult, error) {
				name, _ := meta["stage"].(string)
				return fn(name)
			},
		}, nil
	})
}

func echoPromptFactory() stage.AgentFactory {
	return stage.AgentFactoryFunc(func(def *model.AgentDefinition) (agent.Invoker, error) {
		return agent.FuncInvoker{
			AgentID: def.ID,
			InvokeFn: func(_ context.Context, prompt string, _ map[string]interface{}) (agent.InvokeResult, error) {
				return agent.InvokeResult{OK: true, Output: prompt}, nil
			},
		}, nil
	})
}

func simpleAgents() (map[string]*model.AgentDefinition, map[string]*model.PromptTemplate) {
	agents := map[string]*model.AgentDefinition{
		"writer": {ID: "writer", Type: model.AgentTypeLLM, PromptTemplateID: "p"},
	}
	prompts := map[string]*model.PromptTemplate{
		"p": {User: "go"},
	}
	return agents, prompts
}

func simpleStage(name string, deps ...string) *model.WorkflowStage {
	return &model.WorkflowStage{
		Name:      name,
		DependsOn: deps,
		Agents:    []model.AgentRole{{Role: "primary", AgentID: "writer"}},
	}
}

func newTestEngine(def *model.WorkflowDefinition, factory stage.AgentFactory, opts ...Option) *Engine {
	opts = append([]Option{WithAgentFactory(factory)}, opts...)
	e := NewEngine(DefaultEngineConfig(), opts...)
	e.LoadDefinition(def)
	agents, prompts := simpleAgents()
	e.LoadAgents(agents, prompts)
	return e
}

func TestExecute_LinearChain(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name: "linear",
		Stages: []*model.WorkflowStage{
			simpleStage("a"),
			simpleStage("b", "a"),
			simpleStage("c", "b"),
		},
	}
	factory := stageNameFactory(func(name string) (agent.InvokeResult, error) {
		return agent.InvokeResult{OK: true, Output: "OUT-" + name}, nil
	})
	e := newTestEngine(def, factory)
	defer e.Close()

	result, err := e.Execute(context.Background())

	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []string{"a", "b", "c"}, result.StageOrder)
	assert.Equal(t, "OUT-a", result.Stages["a"].Output)
	assert.Equal(t, "OUT-b", result.Stages["b"].Output)
	assert.Equal(t, "OUT-c", result.Stages["c"].Output)
}

func TestExecute_DiamondRunsMiddleInParallel(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name: "diamond",
		Stages: []*model.WorkflowStage{
			simpleStage("a"),
			simpleStage("b", "a"),
			simpleStage("c", "a"),
			simpleStage("d", "b", "c"),
		},
	}

	var running, maxRunning int32
	factory := stageNameFactory(func(name string) (agent.InvokeResult, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			prev := atomic.LoadInt32(&maxRunning)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return agent.InvokeResult{OK: true, Output: strings.ToUpper(name)}, nil
	})
	e := newTestEngine(def, factory)
	defer e.Close()

	result, err := e.Execute(context.Background())

	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "B", result.Stages["b"].Output)
	assert.Equal(t, "C", result.Stages["c"].Output)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&maxRunning), int32(2), "b and c should overlap")
}

func TestExecute_DownstreamSeesUpstreamOutputs(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name: "scoped",
		Stages: []*model.WorkflowStage{
			simpleStage("research"),
			simpleStage("draft", "research"),
		},
	}
	agents, _ := simpleAgents()
	prompts := map[string]*model.PromptTemplate{
		"p": {User: "from: {{ research.output }}"},
	}

	e := NewEngine(DefaultEngineConfig(), WithAgentFactory(echoPromptFactory()))
	e.LoadDefinition(def)
	e.LoadAgents(agents, prompts)
	defer e.Close()

	result, err := e.Execute(context.Background())

	require.NoError(t, err)
	require.True(t, result.Success)
	// research's prompt has no resolvable variable, so it renders the
	// literal back; draft then sees that text through the namespace.
	assert.Equal(t, "from: from: {{ research.output }}", result.Stages["draft"].Output)
}

func TestExecute_CycleFailsPlanConstruction(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name: "cyclic",
		Stages: []*model.WorkflowStage{
			simpleStage("x", "y"),
			simpleStage("y", "x"),
		},
	}
	e := newTestEngine(def, echoPromptFactory())
	defer e.Close()

	_, err := e.Execute(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCircularDependency))
	assert.Contains(t, err.Error(), "x")
	assert.Contains(t, err.Error(), "y")
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name:     "retrying",
		Settings: model.Settings{MaxRetries: 3},
		Stages:   []*model.WorkflowStage{simpleStage("flaky")},
	}

	var calls int32
	factory := stageNameFactory(func(string) (agent.InvokeResult, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return agent.InvokeResult{}, errors.New("Connection reset")
		}
		return agent.InvokeResult{OK: true, Output: "ok"}, nil
	})

	policy := &retry.ExponentialBackoff{
		MaxAttemptsValue: 3,
		InitialDelay:     10 * time.Millisecond,
		MaxDelay:         100 * time.Millisecond,
		Multiplier:       2.0,
		IsRetryable:      func(err error) bool { return retry.IsRetryableMessage(err.Error()) },
	}
	e := newTestEngine(def, factory, WithRetryPolicy(policy))
	defer e.Close()

	start := time.Now()
	result, err := e.Execute(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.True(t, result.Success)
	sr := result.Stages["flaky"]
	assert.Equal(t, 3, sr.Attempt)
	assert.Equal(t, "ok", sr.Output)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	// 10ms after attempt 1 + 20ms after attempt 2.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestExecute_RetryThenExhaust(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name:     "exhausted",
		Settings: model.Settings{MaxRetries: 3},
		Stages:   []*model.WorkflowStage{simpleStage("flaky")},
	}

	var calls int32
	factory := stageNameFactory(func(string) (agent.InvokeResult, error) {
		atomic.AddInt32(&calls, 1)
		return agent.InvokeResult{}, errors.New("Connection reset")
	})
	e := newTestEngine(def, factory)
	defer e.Close()

	result, err := e.Execute(context.Background())

	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, result.Stages["flaky"].Error, "failed after 3 attempts")
	assert.Contains(t, result.Error, "Stage 'flaky' failed")
}

func TestExecute_FailureCancelsSiblingsAndSkipsLaterWaves(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name: "failing",
		Stages: []*model.WorkflowStage{
			simpleStage("a"),
			simpleStage("slow", "a"),
			simpleStage("bad", "a"),
			simpleStage("never", "slow", "bad"),
		},
	}

	var neverRan int32
	factory := stageNameFactory(func(name string) (agent.InvokeResult, error) {
		switch name {
		case "bad":
			return agent.InvokeResult{}, errors.New("boom")
		case "slow":
			time.Sleep(50 * time.Millisecond)
		case "never":
			atomic.AddInt32(&neverRan, 1)
		}
		return agent.InvokeResult{OK: true, Output: name}, nil
	})
	e := newTestEngine(def, factory)
	defer e.Close()

	result, err := e.Execute(context.Background())

	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "Stage 'bad' failed")
	assert.Equal(t, int32(0), atomic.LoadInt32(&neverRan))
	_, published := result.Stages["never"]
	assert.False(t, published)
}

func TestExecute_FailedStageNotPublishedToNamespace(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name: "partial",
		Stages: []*model.WorkflowStage{
			simpleStage("bad"),
			simpleStage("after", "bad"),
		},
	}
	factory := stageNameFactory(func(name string) (agent.InvokeResult, error) {
		return agent.InvokeResult{}, errors.New("boom")
	})
	e := newTestEngine(def, factory)
	defer e.Close()

	result, err := e.Execute(context.Background())

	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Stages, "bad")
	assert.False(t, result.Stages["bad"].Success)
	assert.NotContains(t, result.Stages, "after")
}

func TestExecute_ContinueOnFailureRunsLaterWaves(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name: "tolerant",
		Stages: []*model.WorkflowStage{
			simpleStage("bad"),
			simpleStage("after", "bad"),
		},
	}
	factory := stageNameFactory(func(name string) (agent.InvokeResult, error) {
		if name == "bad" {
			return agent.InvokeResult{}, errors.New("boom")
		}
		return agent.InvokeResult{OK: true, Output: name}, nil
	})

	cfg := DefaultEngineConfig()
	cfg.ContinueOnFailure = true
	e := NewEngine(cfg, WithAgentFactory(factory))
	e.LoadDefinition(def)
	agents, prompts := simpleAgents()
	e.LoadAgents(agents, prompts)
	defer e.Close()

	result, err := e.Execute(context.Background())

	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "Stage 'bad' failed")
	require.Contains(t, result.Stages, "after")
	assert.True(t, result.Stages["after"].Success)
}

func TestExecute_EmptyStageListSucceedsEmpty(t *testing.T) {
	def := &model.WorkflowDefinition{Name: "empty"}
	e := newTestEngine(def, echoPromptFactory())
	defer e.Close()

	result, err := e.Execute(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Stages)
}

func TestExecute_AfterCloseFailsFast(t *testing.T) {
	def := &model.WorkflowDefinition{Name: "closing", Stages: []*model.WorkflowStage{simpleStage("a")}}
	e := newTestEngine(def, echoPromptFactory())
	require.NoError(t, e.Close())

	_, err := e.Execute(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrEngineClosed))
}

func TestIsReady(t *testing.T) {
	e := NewEngine(DefaultEngineConfig())
	assert.False(t, e.IsReady(), "nothing loaded")

	e = newTestEngine(&model.WorkflowDefinition{Name: "wf", Stages: []*model.WorkflowStage{simpleStage("a")}}, echoPromptFactory())
	assert.True(t, e.IsReady())

	require.NoError(t, e.Close())
	assert.False(t, e.IsReady(), "closed engine is not ready")
}

func TestExecute_ConcurrentRunsShareCaches(t *testing.T) {
	def := &model.WorkflowDefinition{
		Name:   "shared",
		Stages: []*model.WorkflowStage{simpleStage("a")},
	}
	e := newTestEngine(def, echoPromptFactory())
	defer e.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.Execute(context.Background())
			if err == nil && !result.Success {
				err = fmt.Errorf("run %d failed: %s", i, result.Error)
			}
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	stats := e.TemplateStats()
	assert.True(t, stats.Enabled)
	assert.LessOrEqual(t, stats.CurrentSize, stats.MaxSize)
}
