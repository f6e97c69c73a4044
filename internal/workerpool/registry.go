// Package workerpool leases workers to task runs: persistent agents from a
// registry, or ephemeral agents provisioned for a single run.
package workerpool

import (
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/internal/sandbox"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// AgentHandle is the shared handle for one persistent agent.
// Its usage counters are guarded by its own lock, never the registry's.
type AgentHandle struct {
	agent     models.Agent
	workspace *sandbox.Workspace

	mu       sync.Mutex
	active   int
	total    int
	lastUsed time.Time
}

// Agent returns the agent definition.
func (h *AgentHandle) Agent() models.Agent {
	return h.agent
}

// Workspace returns the agent's persistent workspace.
func (h *AgentHandle) Workspace() *sandbox.Workspace {
	return h.workspace
}

func (h *AgentHandle) checkout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active++
	h.total++
	h.lastUsed = time.Now()
}

func (h *AgentHandle) checkin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active--
}

// Usage reports how many runs the agent is serving now and has served overall.
func (h *AgentHandle) Usage() (active, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active, h.total
}

func (h *AgentHandle) load() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Registry maps agent names to handles.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentHandle
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*AgentHandle)}
}

// Register adds or replaces an agent.
func (r *Registry) Register(a models.Agent, ws *sandbox.Workspace) *AgentHandle {
	h := &AgentHandle{agent: a, workspace: ws}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.Name]; !ok {
		r.order = append(r.order, a.Name)
	}
	r.agents[a.Name] = h
	return h
}

// Candidates returns the handles accepting role in registration order.
// The registry lock is released before the caller touches any handle.
func (r *Registry) Candidates(role string) []*AgentHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*AgentHandle
	for _, name := range r.order {
		h := r.agents[name]
		if h.agent.Accepts(role) {
			out = append(out, h)
		}
	}
	return out
}

// All returns every handle in registration order.
func (r *Registry) All() []*AgentHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AgentHandle, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// pick returns the least loaded candidate for role, or nil.
// Exact name matches win over generalists.
func (r *Registry) pick(role string) *AgentHandle {
	candidates := r.Candidates(role)
	var best *AgentHandle
	bestLoad := 0
	for _, h := range candidates {
		if h.agent.Name == role {
			return h
		}
		if l := h.load(); best == nil || l < bestLoad {
			best, bestLoad = h, l
		}
	}
	return best
}
