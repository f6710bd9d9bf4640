// Package parallel fans a wave's stage tasks out to a bounded worker pool,
// waits for all of them (or cancels the rest on the first fatal failure),
// and returns every stage's result keyed by stage name. It is built on
// golang.org/x/sync/errgroup's WithContext+SetLimit, the idiomatic modern
// replacement for a hand-rolled WaitGroup+semaphore+error-channel trio.
package parallel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout is the per-task timeout applied when a caller does not
// override it.
const DefaultTimeout = 5 * time.Minute

// Task is one stage's unit of work. It must return promptly after ctx is
// cancelled.
type Task func(ctx context.Context) (interface{}, error)

// Executor runs a wave's tasks concurrently, bounded by the maxParallelism
// given to NewExecutor; a non-positive bound runs every task of a wave at once.
type Executor struct {
	maxParallelism int
	timeout        time.Duration
}

// NewExecutor returns an Executor with the given worker-pool bound and
// per-task timeout. A non-positive timeout falls back to DefaultTimeout.
func NewExecutor(maxParallelism int, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{maxParallelism: maxParallelism, timeout: timeout}
}

// Outcome is one task's result: either Value is set (success) or Err is
// (failure, including cancellation/timeout). Cancelled reports that this
// task never ran to completion because a sibling failed or timed out.
type Outcome struct {
	Value     interface{}
	Err       error
	Cancelled bool
}

// RunWave executes the named tasks concurrently, bounded by the executor's
// worker-pool limit, and returns one Outcome per name. A single task is
// run inline on the calling goroutine (no pool handoff) but its timeout is
// still enforced. On any task's fatal failure or timeout, the remaining
// sibling tasks are cancelled and reported as Cancelled outcomes; the
// first fatal error is returned as the wave's error.
func (e *Executor) RunWave(ctx context.Context, names []string, tasks map[string]Task) (map[string]*Outcome, error) {
	results := make(map[string]*Outcome, len(names))
	var mu sync.Mutex

	if len(names) == 1 {
		name := names[0]
		taskCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		val, err := tasks[name](taskCtx)
		outcome := &Outcome{Value: val, Err: err}
		if err != nil && taskCtx.Err() != nil {
			outcome.Err = fmt.Errorf("stage %q timed out: %w", name, taskCtx.Err())
		}
		results[name] = outcome
		if outcome.Err != nil {
			return results, outcome.Err
		}
		return results, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	limit := e.maxParallelism
	if limit <= 0 {
		limit = len(names)
	}
	group.SetLimit(limit)

	for _, name := range names {
		name := name
		group.Go(func() error {
			select {
			case <-groupCtx.Done():
				mu.Lock()
				results[name] = &Outcome{Cancelled: true, Err: groupCtx.Err()}
				mu.Unlock()
				return nil
			default:
			}

			taskCtx, cancel := context.WithTimeout(groupCtx, e.timeout)
			defer cancel()

			val, err := tasks[name](taskCtx)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if taskCtx.Err() != nil && groupCtx.Err() == nil {
					err = fmt.Errorf("stage %q timed out: %w", name, taskCtx.Err())
				}
				results[name] = &Outcome{Value: val, Err: err, Cancelled: groupCtx.Err() != nil}
				return err
			}
			results[name] = &Outcome{Value: val}
			return nil
		})
	}

	firstErr := group.Wait()

	// Any name that never got a result slot lost the race against
	// cancellation entirely (errgroup cancelled groupCtx before its
	// goroutine even started its select check); mark it cancelled too.
	mu.Lock()
	for _, name := range names {
		if _, ok := results[name]; !ok {
			results[name] = &Outcome{Cancelled: true, Err: groupCtx.Err()}
		}
	}
	mu.Unlock()

	return results, firstErr
}
