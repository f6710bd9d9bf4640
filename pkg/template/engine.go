package template

import (
	"container/list"
	"sync"

	"github.com/conductorflow/kernel/pkg/variable"
)

// Engine compiles template strings into segment lists once and renders
// them many times against different variable scopes. Compiled templates
// are held in a bounded LRU keyed by the raw template string, mirroring
// the shape of conditionCache but generalized to whole templates instead
// of single {{#if}} expressions.
type Engine struct {
	mu         sync.RWMutex
	capacity   int
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	conditions *conditionCache
}

type compiledEntry struct {
	key  string
	segs []segment
}

// NewEngine returns an Engine whose compile cache holds up to maxEntries
// compiled templates. maxEntries=0 disables the cache: every RenderString
// call compiles fresh, and Stats().Enabled reports false.
func NewEngine(maxEntries int) *Engine {
	return &Engine{
		capacity:   maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		conditions: newConditionCache(maxEntries),
	}
}

// RenderString compiles (or reuses a cached compile of) tmpl and renders
// it against ns. Rendering a template with no {{...}} tags is the identity
// on tmpl.
func (e *Engine) RenderString(tmpl string, ns *variable.Namespace) (string, error) {
	segs, err := e.compile(tmpl)
	if err != nil {
		return "", err
	}
	return renderAll(segs, ns, e.conditions)
}

// compile returns the segment list for tmpl, consulting the LRU cache
// first when enabled. Concurrent callers may both miss and both compile
// the same key; that double-compile is acceptable, but the map itself is
// never corrupted and capacity is never exceeded by more than the
// concurrency degree momentarily racing the insert.
func (e *Engine) compile(tmpl string) ([]segment, error) {
	if e.capacity <= 0 {
		return Compile(tmpl)
	}

	e.mu.Lock()
	if el, ok := e.entries[tmpl]; ok {
		e.order.MoveToFront(el)
		segs := el.Value.(*compiledEntry).segs
		e.mu.Unlock()
		return segs, nil
	}
	e.mu.Unlock()

	segs, err := Compile(tmpl)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.entries[tmpl]; ok {
		// Another goroutine won the race and inserted first; keep its
		// entry and just bump recency, discarding our redundant compile.
		e.order.MoveToFront(el)
		return el.Value.(*compiledEntry).segs, nil
	}
	el := e.order.PushFront(&compiledEntry{key: tmpl, segs: segs})
	e.entries[tmpl] = el
	for e.order.Len() > e.capacity {
		oldest := e.order.Back()
		if oldest == nil {
			break
		}
		e.order.Remove(oldest)
		delete(e.entries, oldest.Value.(*compiledEntry).key)
	}
	return segs, nil
}

// Stats is a snapshot of the compile cache's current occupancy.
type Stats struct {
	Enabled     bool
	CurrentSize int
	MaxSize     int
	UsageRatio  float64
}

// Stats reports the compile cache's current size and capacity.
func (e *Engine) Stats() Stats {
	if e.capacity <= 0 {
		return Stats{Enabled: false}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	size := e.order.Len()
	return Stats{
		Enabled:     true,
		CurrentSize: size,
		MaxSize:     e.capacity,
		UsageRatio:  float64(size) / float64(e.capacity),
	}
}

// Clear empties the compile cache and the {{#if}} condition cache. Called on engine close.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[string]*list.Element)
	e.order = list.New()
	e.conditions.clear()
}
