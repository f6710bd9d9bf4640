// Package stage implements the per-stage execution algorithm: prepare a
// prompt, invoke an agent, optionally review and validate the output,
// retry on failure, optionally gate on human approval, and (when the
// stage is iterative) repeat that body over a data sequence, count range,
// or while-condition.
package stage

import (
	"sync"

	"github.com/conductorflow/kernel/pkg/agent"
	"github.com/conductorflow/kernel/pkg/model"
)

// AgentFactory resolves an AgentDefinition to an invokable instance.
type AgentFactory interface {
	Create(def *model.AgentDefinition) (agent.Invoker, error)
}

// AgentFactoryFunc adapts a plain function to AgentFactory.
type AgentFactoryFunc func(def *model.AgentDefinition) (agent.Invoker, error)

func (f AgentFactoryFunc) Create(def *model.AgentDefinition) (agent.Invoker, error) {
	return f(def)
}

// AgentCache is a concurrency-safe get-or-create map of agent instances
// keyed by agent ID. It is shared across a workflow engine instance and
// lives until the engine closes; get-or-create executes the factory at
// most once per key even under concurrent callers racing the same ID.
type AgentCache struct {
	mu    sync.Mutex
	items map[string]agent.Invoker
}

// NewAgentCache returns an empty cache.
func NewAgentCache() *AgentCache {
	return &AgentCache{items: make(map[string]agent.Invoker)}
}

// GetOrCreate returns the cached invoker for def.ID, creating and storing
// one via factory on first use.
func (c *AgentCache) GetOrCreate(def *model.AgentDefinition, factory AgentFactory) (agent.Invoker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inv, ok := c.items[def.ID]; ok {
		return inv, nil
	}
	inv, err := factory.Create(def)
	if err != nil {
		return nil, err
	}
	c.items[def.ID] = inv
	return inv, nil
}

// Clear empties the cache. Called on engine close.
func (c *AgentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]agent.Invoker)
}
