package template

import "github.com/conductorflow/kernel/pkg/variable"

// Condition is a reusable, cached boolean-expression evaluator for callers
// outside template rendering (stage-level while-conditions), using the same
// evaluator and the same kind of compiled-expression cache that drive
// {{#if}} blocks; each Condition owns its own cache.
type Condition struct {
	cache *conditionCache
}

// NewCondition returns a Condition with its own compile cache of the given
// capacity (maxEntries<=0 disables caching).
func NewCondition(maxEntries int) *Condition {
	return &Condition{cache: newConditionCache(maxEntries)}
}

// Eval compiles (or reuses a cached compile of) condition and runs it
// against ns's flattened layers, applying the engine's truthiness rules.
func (c *Condition) Eval(condition string, ns *variable.Namespace) (bool, error) {
	return evalCondition(condition, ns, c.cache)
}
