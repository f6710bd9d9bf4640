package template

import (
	"container/list"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditionCache is a bounded LRU cache of compiled {{#if}}/iteration
// condition expressions, keyed by source text. A capacity of 0 disables
// caching entirely: every lookup misses and compiles fresh.
type conditionCache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type conditionEntry struct {
	key     string
	program *vm.Program
}

func newConditionCache(capacity int) *conditionCache {
	return &conditionCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *conditionCache) get(key string) (*vm.Program, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*conditionEntry).program, true
}

func (c *conditionCache) put(key string, program *vm.Program) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*conditionEntry).program = program
		return
	}

	el := c.order.PushFront(&conditionEntry{key: key, program: program})
	c.entries[key] = el

	for c.order.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *conditionCache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.order.Remove(oldest)
	delete(c.entries, oldest.Value.(*conditionEntry).key)
}

func (c *conditionCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

func (c *conditionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
}

// compileAndCache returns the cached program for condition if present,
// otherwise compiles it (as a boolean expression over env's shape) and
// stores it before returning.
func (c *conditionCache) compileAndCache(condition string, env map[string]interface{}) (*vm.Program, error) {
	if program, ok := c.get(condition); ok {
		return program, nil
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, err
	}
	c.put(condition, program)
	return program, nil
}
