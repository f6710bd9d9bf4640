package stage

import (
	"context"
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
	"github.com/conductorflow/kernel/pkg/template"
	"github.com/conductorflow/kernel/pkg/variable"
)

func iterationInput(iter *model.IterationConfig) Input {
	ns := variable.NewNamespace()
	ns.Workflow["items"] = []interface{}{"a", "b", "c"}
	ns.Workflow["chapters"] = "3"

	return Input{
		WorkflowName: "wf",
		Stage: &model.WorkflowStage{
			Name:      "chapter",
			Agents:    []model.AgentRole{{Role: "primary", AgentID: "writer"}},
			Iteration: iter,
		},
		AgentDefs: map[string]*model.AgentDefinition{
			"writer": {ID: "writer", Type: model.AgentTypeLLM, PromptTemplateID: "p1"},
		},
		Prompts: map[string]*model.PromptTemplate{
			"p1": {User: "{{ item }}"},
		},
		Namespace:  ns,
		MaxRetries: 1,
	}
}

func TestRunIterative_DataDrivenSequential(t *testing.T) {
	e := newExecutor(echoFactory(), nil)
	in := iterationInput(&model.IterationConfig{
		Type:     model.IterationDataDriven,
		Variable: "item",
		Source:   "items",
	})

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	require.Len(t, result.Iterations, 3)
	assert.Equal(t, "a\n\nb\n\nc", result.Output)
	for i, ir := range result.Iterations {
		assert.Equal(t, i, ir.Index)
		assert.True(t, ir.Success)
	}
}

func TestRunIterative_DataDrivenParallelActuallyOverlaps(t *testing.T) {
	var current, max int32
	factory := AgentFactoryFunc(func(def *model.AgentDefinition) (agent.Invoker, error) {
		return agent.FuncInvoker{
			AgentID: def.ID,
			InvokeFn: func(_ context.Context, prompt string, _ map[string]interface{}) (agent.InvokeResult, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					m := atomic.LoadInt32(&max)
					if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return agent.InvokeResult{OK: true, Output: prompt}, nil
			},
		}, nil
	})
	e := newExecutor(factory, nil)
	in := iterationInput(&model.IterationConfig{
		Type:          model.IterationDataDriven,
		Variable:      "item",
		Source:        "items",
		Parallel:      true,
		MaxConcurrent: 3,
	})

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	require.Len(t, result.Iterations, 3)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&max), int32(2))
	// order is preserved by index despite concurrent completion
	assert.Equal(t, []string{"a", "b", "c"}, strings.Split(result.Output, "\n\n"))
}

func TestRunIterative_CountBasedResolvesVariableCount(t *testing.T) {
	e := newExecutor(echoFactory(), nil)
	in := iterationInput(&model.IterationConfig{
		Type:     model.IterationCountBased,
		Variable: "item",
		Count:    "${chapters}",
		Start:    1,
	})

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	require.Len(t, result.Iterations, 3)
	assert.Equal(t, "1\n\n2\n\n3", result.Output)
}

func TestRunIterative_CountBasedLiteral(t *testing.T) {
	e := newExecutor(echoFactory(), nil)
	in := iterationInput(&model.IterationConfig{
		Type:     model.IterationCountBased,
		Variable: "item",
		Count:    "2",
	})

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	assert.Len(t, result.Iterations, 2)
}

func TestRunIterative_ConditionalRespectsMaxIterations(t *testing.T) {
	e := newExecutor(echoFactory(), nil)
	in := iterationInput(&model.IterationConfig{
		Type:          model.IterationConditional,
		Variable:      "item",
		Condition:     "true",
		MaxIterations: 4,
	})
	in.Prompts["p1"] = &model.PromptTemplate{User: "round {{ index }}"}

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	assert.Len(t, result.Iterations, 4)
}

func TestRunIterative_ConditionalStopsWhenFalse(t *testing.T) {
	e := newExecutor(echoFactory(), nil)
	in := iterationInput(&model.IterationConfig{
		Type:          model.IterationConditional,
		Variable:      "item",
		Condition:     "index < 2",
		MaxIterations: 10,
	})
	in.Prompts["p1"] = &model.PromptTemplate{User: "round {{ index }}"}

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	assert.Len(t, result.Iterations, 2)
}

func TestRunIterative_ConditionalAppliesUpdateVariables(t *testing.T) {
	e := newExecutor(echoFactory(), nil)
	in := iterationInput(&model.IterationConfig{
		Type:          model.IterationConditional,
		Variable:      "item",
		Condition:     "done != 'yes'",
		MaxIterations: 5,
		UpdateVariables: map[string]string{
			"done": "${index_is_one}",
		},
	})
	in.Prompts["p1"] = &model.PromptTemplate{User: "round {{ index }}"}
	in.Namespace.Workflow["done"] = "no"
	in.Namespace.Workflow["index_is_one"] = "no"

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	// updateVariables re-derives "done" as "no" every pass, so the
	// condition stays true through MaxIterations.
	assert.Len(t, result.Iterations, 5)
}

func TestRunIterative_FailFastAbortsRemainingSequential(t *testing.T) {
	var calls int32
	factory := AgentFactoryFunc(func(def *model.AgentDefinition) (agent.Invoker, error) {
		return agent.FuncInvoker{
			AgentID: def.ID,
			InvokeFn: func(_ context.Context, prompt string, _ map[string]interface{}) (agent.InvokeResult, error) {
				n := atomic.AddInt32(&calls, 1)
				if n == 2 {
					return agent.InvokeResult{}, fmt.Errorf("boom")
				}
				return agent.InvokeResult{OK: true, Output: prompt}, nil
			},
		}, nil
	})
	e := newExecutor(factory, nil)
	in := iterationInput(&model.IterationConfig{
		Type:          model.IterationDataDriven,
		Variable:      "item",
		Source:        "items",
		ErrorStrategy: model.ErrorStrategyFailFast,
	})

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "iteration 1 failed")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRunIterative_ContinueStrategyAggregatesAllResults(t *testing.T) {
	factory := AgentFactoryFunc(func(def *model.AgentDefinition) (agent.Invoker, error) {
		return agent.FuncInvoker{
			AgentID: def.ID,
			InvokeFn: func(_ context.Context, prompt string, _ map[string]interface{}) (agent.InvokeResult, error) {
				if prompt == "b" {
					return agent.InvokeResult{}, fmt.Errorf("boom")
				}
				return agent.InvokeResult{OK: true, Output: prompt}, nil
			},
		}, nil
	})
	e := newExecutor(factory, nil)
	in := iterationInput(&model.IterationConfig{
		Type:          model.IterationDataDriven,
		Variable:      "item",
		Source:        "items",
		ErrorStrategy: model.ErrorStrategyContinue,
	})

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	require.Len(t, result.Iterations, 3)
	assert.True(t, result.Iterations[0].Success)
	assert.False(t, result.Iterations[1].Success)
	assert.True(t, result.Iterations[2].Success)
}

func TestRunIterative_RetryStrategyRetriesPerItem(t *testing.T) {
	var mu sync.Mutex
	callsPerItem := map[string]int{}
	factory := AgentFactoryFunc(func(def *model.AgentDefinition) (agent.Invoker, error) {
		return agent.FuncInvoker{
			AgentID: def.ID,
			InvokeFn: func(_ context.Context, prompt string, _ map[string]interface{}) (agent.InvokeResult, error) {
				mu.Lock()
				callsPerItem[prompt]++
				n := callsPerItem[prompt]
				mu.Unlock()
				if prompt == "b" && n < 2 {
					return agent.InvokeResult{}, fmt.Errorf("boom")
				}
				return agent.InvokeResult{OK: true, Output: prompt}, nil
			},
		}, nil
	})
	e := newExecutor(factory, nil)
	in := iterationInput(&model.IterationConfig{
		Type:          model.IterationDataDriven,
		Variable:      "item",
		Source:        "items",
		ErrorStrategy: model.ErrorStrategyRetry,
		RetryCount:    2,
	})

	result := e.RunIterative(context.Background(), in, template.NewCondition(8))

	require.True(t, result.Success)
	require.Len(t, result.Iterations, 3)
	assert.True(t, result.Iterations[1].Success)
	assert.Equal(t, 2, callsPerItem["b"])
}

func TestRunIterative_InterruptedByContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newExecutor(echoFactory(), nil)
	in := iterationInput(&model.IterationConfig{
		Type:     model.IterationDataDriven,
		Variable: "item",
		Source:   "items",
	})

	result := e.RunIterative(ctx, in, template.NewCondition(8))

	require.False(t, result.Success)
	assert.Equal(t, "interrupted", result.Error)
}
