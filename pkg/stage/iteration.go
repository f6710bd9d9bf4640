package stage

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conductorflow/kernel/pkg/model"
	"github.com/conductorflow/kernel/pkg/template"
	"github.com/conductorflow/kernel/pkg/variable"
)

// bodyFunc runs a stage's non-iterative body once against a per-iteration
// namespace.
type bodyFunc func(ctx context.Context, ns *variable.Namespace) *model.StageResult

// RunIterative drives in.Stage.Iteration, repeating the stage body over a
// data sequence, count range, or while-condition, and aggregates the
// per-iteration results into one StageResult whose Output concatenates
// every iteration's output in index order.
func (e *Executor) RunIterative(ctx context.Context, in Input, cond *template.Condition) *model.StageResult {
	cfg := in.Stage.Iteration
	body := func(ctx context.Context, ns *variable.Namespace) *model.StageResult {
		iterIn := in
		iterIn.Namespace = ns
		return e.Run(ctx, iterIn)
	}

	switch cfg.Type {
	case model.IterationDataDriven:
		items, err := resolveSequence(in.Namespace, cfg.Source)
		if err != nil {
			return failResult(in.Stage.Name, 0, err.Error())
		}
		return e.runItems(ctx, in, items, cfg, body)
	case model.IterationCountBased:
		count, err := resolveCount(in.Namespace, cfg.Count)
		if err != nil {
			return failResult(in.Stage.Name, 0, err.Error())
		}
		items := make([]interface{}, count)
		for i := range items {
			items[i] = cfg.Start + i
		}
		return e.runItems(ctx, in, items, cfg, body)
	case model.IterationConditional:
		return e.runConditional(ctx, in, body, cond)
	default:
		return failResult(in.Stage.Name, 0, fmt.Sprintf("unknown iteration type: %s", cfg.Type))
	}
}

// runItems drives dataDriven/countBased iteration: sequential by default,
// or fanned out to cfg.MaxConcurrent workers when cfg.Parallel is set
// (iteration.parallel is validated to be false whenever approval.perItem
// is set, so no approval-ordering conflict arises here).
func (e *Executor) runItems(ctx context.Context, in Input, items []interface{}, cfg *model.IterationConfig, body bodyFunc) *model.StageResult {
	n := len(items)
	results := make([]*model.IterationResult, n)

	itemTimeout := parseIterationTimeout(cfg.IterationTimeout)

	runOne := func(ctx context.Context, idx int) *model.IterationResult {
		loopNs := in.Namespace.WithLoop(mergeLoop(in.Namespace.Loop, map[string]interface{}{
			cfg.Variable: items[idx],
			"index":      idx,
		}))

		start := time.Now()
		retries := 1
		if cfg.ErrorStrategy == model.ErrorStrategyRetry {
			if cfg.RetryCount > 0 {
				retries = cfg.RetryCount
			} else {
				retries = 1
			}
		}

		var sr *model.StageResult
		for attempt := 1; attempt <= retries; attempt++ {
			sr = runWithTimeout(ctx, itemTimeout, loopNs, body)
			if sr.Success {
				break
			}
		}

		ir := &model.IterationResult{
			Index:           idx,
			Item:            items[idx],
			Output:          sr.Output,
			Success:         sr.Success,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
		if !sr.Success {
			ir.Error = sr.Error
		}
		return ir
	}

	if cfg.Parallel {
		limit := cfg.MaxConcurrent
		if limit <= 0 {
			limit = 4
		}
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(limit)
		var mu sync.Mutex

		for i := 0; i < n; i++ {
			i := i
			group.Go(func() error {
				ir := runOne(gctx, i)
				mu.Lock()
				results[i] = ir
				mu.Unlock()
				if !ir.Success && cfg.ErrorStrategy == model.ErrorStrategyFailFast {
					return fmt.Errorf("iteration %d failed: %s", i, ir.Error)
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return failIterativeResult(in.Stage.Name, results, err.Error())
		}
	} else {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return failResult(in.Stage.Name, 0, "interrupted")
			}
			ir := runOne(ctx, i)
			results[i] = ir
			if !ir.Success && cfg.ErrorStrategy == model.ErrorStrategyFailFast {
				return failIterativeResult(in.Stage.Name, results[:i+1], fmt.Sprintf("iteration %d failed: %s", i, ir.Error))
			}
		}
	}

	return aggregateIterations(in.Stage.Name, results)
}

// runConditional loops while cfg.Condition resolves truthy and the
// iteration count is under cfg.MaxIterations, applying updateVariables
// (each a substitution template evaluated in-scope) after every body run.
func (e *Executor) runConditional(ctx context.Context, in Input, body bodyFunc, cond *template.Condition) *model.StageResult {
	cfg := in.Stage.Iteration
	var results []*model.IterationResult
	vars := map[string]interface{}{}
	itemTimeout := parseIterationTimeout(cfg.IterationTimeout)

	for idx := 0; idx < cfg.MaxIterations; idx++ {
		loopNs := in.Namespace.WithLoop(mergeLoop(in.Namespace.Loop, mergeLoop(vars, map[string]interface{}{"index": idx})))

		truthy, err := cond.Eval(cfg.Condition, loopNs)
		if err != nil {
			return failIterativeResult(in.Stage.Name, results, fmt.Sprintf("condition %q: %s", cfg.Condition, err.Error()))
		}
		if !truthy {
			break
		}
		if ctx.Err() != nil {
			return failResult(in.Stage.Name, 0, "interrupted")
		}

		start := time.Now()
		retries := 1
		if cfg.ErrorStrategy == model.ErrorStrategyRetry && cfg.RetryCount > 0 {
			retries = cfg.RetryCount
		}
		var sr *model.StageResult
		for attempt := 1; attempt <= retries; attempt++ {
			sr = runWithTimeout(ctx, itemTimeout, loopNs, body)
			if sr.Success {
				break
			}
		}
		ir := &model.IterationResult{
			Index:           idx,
			Output:          sr.Output,
			Success:         sr.Success,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
		if !sr.Success {
			ir.Error = sr.Error
		}
		results = append(results, ir)

		if !sr.Success && cfg.ErrorStrategy == model.ErrorStrategyFailFast {
			return failIterativeResult(in.Stage.Name, results, fmt.Sprintf("iteration %d failed: %s", idx, sr.Error))
		}

		for k, tmpl := range cfg.UpdateVariables {
			vars[k] = variable.Substitute(tmpl, loopNs)
		}
	}

	return aggregateIterations(in.Stage.Name, results)
}

// parseIterationTimeout parses cfg.IterationTimeout, returning 0 (no
// per-iteration deadline) when it is empty or not a valid duration.
func parseIterationTimeout(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

// runWithTimeout runs body under a derived context bounded by timeout
// (when positive), reporting a timeout as a failed StageResult rather than
// letting the caller observe a bare context-deadline error.
func runWithTimeout(ctx context.Context, timeout time.Duration, ns *variable.Namespace, body bodyFunc) *model.StageResult {
	if timeout <= 0 {
		return body(ctx, ns)
	}
	iterCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sr := body(iterCtx, ns)
	if !sr.Success && iterCtx.Err() == context.DeadlineExceeded {
		sr.Error = fmt.Sprintf("iteration timed out after %s", timeout)
	}
	return sr
}

func resolveSequence(ns *variable.Namespace, source string) ([]interface{}, error) {
	v, ok := ns.Resolve(source)
	if !ok {
		return nil, fmt.Errorf("iteration source %q did not resolve", source)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]interface{}, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	default:
		return []interface{}{v}, nil
	}
}

func resolveCount(ns *variable.Namespace, raw string) (int, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	resolved := variable.Substitute(raw, ns)
	n, err := strconv.Atoi(resolved)
	if err != nil {
		return 0, fmt.Errorf("iteration count %q did not resolve to an integer", raw)
	}
	return n, nil
}

func aggregateIterations(stageName string, results []*model.IterationResult) *model.StageResult {
	var sb strings.Builder
	first := true
	for _, r := range results {
		if r == nil {
			continue
		}
		if !first {
			sb.WriteString("\n\n")
		}
		first = false
		sb.WriteString(r.Output)
	}
	return &model.StageResult{
		StageName:  stageName,
		Output:     sb.String(),
		Success:    true,
		Attempt:    1,
		Iterations: toValueSlice(results),
	}
}

func failIterativeResult(stageName string, results []*model.IterationResult, message string) *model.StageResult {
	sr := aggregateIterations(stageName, results)
	sr.Success = false
	sr.Error = message
	return sr
}

func toValueSlice(results []*model.IterationResult) []model.IterationResult {
	out := make([]model.IterationResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
