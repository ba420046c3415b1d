package plugin

import (
	"sort"
	"sync"

	v1 "github.com/projecttab/backend/pkg/api/v1"
)

// Registry tracks the live handle and status of every agent the control
// plane knows about. It is the authority the gateway and the pipeline
// handlers consult; the aggregating plugin writes to it on lifecycle edges.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*v1.AgentHandle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*v1.AgentHandle)}
}

// Register stores a handle, replacing any previous entry for the same agent.
func (r *Registry) Register(handle v1.AgentHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := handle
	r.handles[handle.ID] = &h
}

// Get returns a copy of the handle for agentID.
func (r *Registry) Get(agentID string) (v1.AgentHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[agentID]
	if !ok {
		return v1.AgentHandle{}, false
	}
	return *h, true
}

// SetStatus updates the status of a registered agent. Unknown agents are
// ignored.
func (r *Registry) SetStatus(agentID string, status v1.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[agentID]; ok {
		h.Status = status
	}
}

// Remove drops the agent from the registry.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, agentID)
}

// List returns all registered handles sorted by agent id.
func (r *Registry) List() []v1.AgentHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.AgentHandle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
