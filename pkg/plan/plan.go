// Package plan builds an ExecutionPlan from a workflow's stages: it
// indexes stages by name, detects dependency cycles with a named-path
// three-color DFS, and layers the acyclic graph into topologically ordered
// waves via Kahn's algorithm so the parallel stage executor can fan out
// each wave concurrently.
package plan

import (
	"fmt"
	"strings"

	"github.com/conductorflow/kernel/pkg/model"
)

// ExecutionWave is one topological layer: a set of stages with no
// dependency relationship between them, safe to run concurrently.
type ExecutionWave struct {
	WaveNumber int
	Stages     []*model.WorkflowStage
}

// HasParallel reports whether this wave can exercise more than one worker:
// either it holds more than one stage, or a single stage is itself marked
// parallel (relevant once iteration-level parallelism is considered).
func (w *ExecutionWave) HasParallel() bool {
	if len(w.Stages) > 1 {
		return true
	}
	for _, s := range w.Stages {
		if s.Parallel {
			return true
		}
	}
	return false
}

// ExecutionPlan is the validated, wave-layered form of a workflow's stage
// list, built once per run and then walked wave by wave.
type ExecutionPlan struct {
	waves      []*ExecutionWave
	byName     map[string]*model.WorkflowStage
	waveOfName map[string]int
}

// color values for the three-color DFS used by cycle detection.
type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully processed
)

// Build constructs an ExecutionPlan from stages. It rejects duplicate
// stage names, dependsOn references to undeclared stages, and dependency
// cycles (naming every node on the discovered cycle), then layers the
// graph into waves with Kahn's algorithm.
func Build(stages []*model.WorkflowStage) (*ExecutionPlan, error) {
	byName := make(map[string]*model.WorkflowStage, len(stages))
	for _, s := range stages {
		if _, dup := byName[s.Name]; dup {
			return nil, model.NewKernelError(model.ErrorKindSchema,
				fmt.Sprintf("duplicate stage name: %s", s.Name), nil)
		}
		byName[s.Name] = s
	}

	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, model.NewKernelError(model.ErrorKindUnknownDependency,
					fmt.Sprintf("stage %q depends on unknown stage %q", s.Name, dep), nil)
			}
		}
	}

	if err := detectCycle(stages, byName); err != nil {
		return nil, err
	}

	waves, waveOfName, err := layerWaves(stages, byName)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, w := range waves {
		total += len(w.Stages)
	}
	if total != len(stages) {
		return nil, model.NewKernelError(model.ErrorKindInvalidPlan,
			fmt.Sprintf("plan covers %d of %d stages", total, len(stages)), nil)
	}

	return &ExecutionPlan{waves: waves, byName: byName, waveOfName: waveOfName}, nil
}

// detectCycle runs a three-color DFS over the dependency graph (edges
// point from a stage to its dependencies). On finding a back-edge into a
// GRAY node, it reconstructs the cycle from the current recursion stack
// and fails with a CircularDependency error naming every node on it.
func detectCycle(stages []*model.WorkflowStage, byName map[string]*model.WorkflowStage) error {
	colors := make(map[string]color, len(stages))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		colors[name] = gray
		stack = append(stack, name)

		for _, dep := range byName[name].DependsOn {
			switch colors[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				cycle := cyclePath(stack, dep)
				return model.NewKernelError(model.ErrorKindCircularDependency,
					fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")), nil)
			case black:
				// already fully processed via another path; safe
			}
		}

		colors[name] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, s := range stages {
		if colors[s.Name] == white {
			if err := visit(s.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// cyclePath returns the slice of the DFS stack from the first occurrence
// of target to the end, plus target again to close the loop visually.
func cyclePath(stack []string, target string) []string {
	for i, name := range stack {
		if name == target {
			cycle := append([]string{}, stack[i:]...)
			return append(cycle, target)
		}
	}
	return append(append([]string{}, stack...), target)
}

// layerWaves computes Kahn's algorithm over the dependency graph, peeling
// off all currently-dependency-free stages as one wave at a time. Stable
// ordering within a wave follows the insertion order of the source list.
func layerWaves(stages []*model.WorkflowStage, byName map[string]*model.WorkflowStage) ([]*ExecutionWave, map[string]int, error) {
	remaining := make(map[string][]string, len(stages)) // stage -> deps not yet satisfied
	dependents := make(map[string][]string)              // stage -> stages depending on it
	for _, s := range stages {
		remaining[s.Name] = append([]string{}, s.DependsOn...)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var waves []*ExecutionWave
	waveOfName := make(map[string]int, len(stages))
	satisfied := make(map[string]bool, len(stages))
	waveNum := 0

	for len(satisfied) < len(stages) {
		var ready []*model.WorkflowStage
		for _, s := range stages {
			if satisfied[s.Name] {
				continue
			}
			if len(remaining[s.Name]) == 0 {
				ready = append(ready, s)
			}
		}
		if len(ready) == 0 {
			return nil, nil, model.NewKernelError(model.ErrorKindInvalidPlan,
				"unable to make progress building execution waves", nil)
		}

		for _, s := range ready {
			satisfied[s.Name] = true
			waveOfName[s.Name] = waveNum
		}
		for _, s := range ready {
			for _, dependent := range dependents[s.Name] {
				remaining[dependent] = removeOne(remaining[dependent], s.Name)
			}
		}

		waves = append(waves, &ExecutionWave{WaveNumber: waveNum, Stages: ready})
		waveNum++
	}

	return waves, waveOfName, nil
}

func removeOne(deps []string, name string) []string {
	out := deps[:0]
	removed := false
	for _, d := range deps {
		if d == name && !removed {
			removed = true
			continue
		}
		out = append(out, d)
	}
	return out
}

// Waves returns every wave in execution order.
func (p *ExecutionPlan) Waves() []*ExecutionWave { return p.waves }

// WaveCount returns the number of waves in the plan.
func (p *ExecutionPlan) WaveCount() int { return len(p.waves) }

// MaxParallelism returns the size of the largest wave.
func (p *ExecutionPlan) MaxParallelism() int {
	max := 0
	for _, w := range p.waves {
		if len(w.Stages) > max {
			max = len(w.Stages)
		}
	}
	return max
}

// HasParallelExecution reports whether any wave can run more than one
// stage concurrently.
func (p *ExecutionPlan) HasParallelExecution() bool {
	for _, w := range p.waves {
		if w.HasParallel() {
			return true
		}
	}
	return false
}

// RootStages returns wave 0 (stages with no dependencies), or nil if the
// plan has no stages.
func (p *ExecutionPlan) RootStages() []*model.WorkflowStage {
	if len(p.waves) == 0 {
		return nil
	}
	return p.waves[0].Stages
}

// LeafStages returns the last wave.
func (p *ExecutionPlan) LeafStages() []*model.WorkflowStage {
	if len(p.waves) == 0 {
		return nil
	}
	return p.waves[len(p.waves)-1].Stages
}

// WaveOf returns the wave index a given stage name was assigned to.
func (p *ExecutionPlan) WaveOf(stageName string) (int, bool) {
	n, ok := p.waveOfName[stageName]
	return n, ok
}

// Stage looks up a stage by name.
func (p *ExecutionPlan) Stage(name string) (*model.WorkflowStage, bool) {
	s, ok := p.byName[name]
	return s, ok
}
