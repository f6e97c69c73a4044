// Package graph provides a dependency graph for task scheduling.
package graph

import (
	"errors"
	"sort"
	"sync"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
// Errors returned by Build wrap a *models.ValidationError naming the cycle;
// use errors.Is(err, ErrCycleDetected) to test for this case.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// order preserves insertion order for deterministic traversal.
	order []string
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]*models.Task),
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// cycleError wraps a validation error so both ErrCycleDetected and
// models.ErrValidation match.
type cycleError struct {
	*models.ValidationError
}

func (e cycleError) Is(target error) bool {
	return target == ErrCycleDetected || target == models.ErrValidation
}

func (e cycleError) Unwrap() error { return e.ValidationError }

// Build constructs the dependency graph from a slice of tasks.
// Returns an error if a dependency references an unknown task or if a cycle
// is detected. The graph is left empty on error.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d tasks", len(tasks))
	g.reset()

	if err := g.addLocked(tasks); err != nil {
		g.reset()
		return err
	}

	g.debugLog("[graph.Build] graph built successfully with %d nodes", len(g.nodes))
	return nil
}

// Add inserts tasks into an existing graph. Dependencies may reference
// tasks already in the graph or tasks in the same batch.
// On error the graph is unchanged.
func (g *DependencyGraph) Add(tasks ...*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prevOrder := len(g.order)
	if err := g.addLocked(tasks); err != nil {
		for _, id := range g.order[prevOrder:] {
			delete(g.nodes, id)
			delete(g.edges, id)
		}
		g.order = g.order[:prevOrder]
		return err
	}
	return nil
}

func (g *DependencyGraph) reset() {
	g.nodes = make(map[string]*models.Task)
	g.edges = make(map[string][]string)
	g.order = nil
}

func (g *DependencyGraph) addLocked(tasks []*models.Task) error {
	// First pass: register all tasks as nodes.
	for _, task := range tasks {
		if _, exists := g.nodes[task.ID]; exists {
			return models.NewValidationError("duplicate task %s", task.ID)
		}
		g.debugLog("[graph.Build] adding task: id=%s title=%q depends_on=%v", task.ID, task.Title, task.DependsOn)
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
		g.order = append(g.order, task.ID)
	}

	// Second pass: build edges from DependsOn fields.
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return models.NewValidationError("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		g.debugLog("[graph.Build] cycle detected: %v", cycle)
		return cycleError{models.NewCycleError(cycle)}
	}
	return nil
}

// CheckForwardRefs rejects any task that depends on a task declared later
// in the slice. Unknown references are reported as well.
func CheckForwardRefs(tasks []*models.Task) error {
	position := make(map[string]int, len(tasks))
	for i, t := range tasks {
		position[t.ID] = i
	}
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			j, ok := position[dep]
			if !ok {
				return models.NewValidationError("task %s depends on unknown task %s", t.ID, dep)
			}
			if j >= i {
				return models.NewValidationError("task %s depends on %s which is declared later", t.ID, dep)
			}
		}
	}
	return nil
}

// findCycleLocked uses depth-first search with coloring to detect back edges.
// It returns the cycle as a path that starts and ends with the same ID,
// or nil when the graph is acyclic. Assumes the lock is held.
func (g *DependencyGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at depID.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == depID {
						cycle = append(cycle, stack[i:]...)
						cycle = append(cycle, depID)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them. Ties keep insertion order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, cycleError{models.NewCycleError(cycle)}
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Ready returns pending tasks whose dependencies are all satisfied
// (succeeded or skipped), oldest first with ties broken by task ID.
func (g *DependencyGraph) Ready() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.Task
	for _, id := range g.order {
		task := g.nodes[id]
		if task.Status != models.TaskStatusPending {
			continue
		}

		satisfied := true
		for _, depID := range g.edges[id] {
			if !g.nodes[depID].Status.Satisfied() {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})

	g.debugLog("[graph.Ready] %d ready tasks", len(ready))
	return ready
}

// Get returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) Get(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Tasks returns all tasks in insertion order.
func (g *DependencyGraph) Tasks() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, g.nodes[id])
	}
	return tasks
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// Dependents returns the IDs of tasks that directly depend on the given task,
// in insertion order.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(taskID)
}

func (g *DependencyGraph) dependentsLocked(taskID string) []string {
	var dependents []string
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// TransitiveDependents returns every task reachable downstream of taskID,
// in insertion order.
func (g *DependencyGraph) TransitiveDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{}
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependentsLocked(id) {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	var out []string
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Redirect replaces dependencies on oldID with newIDs for every task in ids.
// It is used when a failed task is replaced by replanned tasks.
func (g *DependencyGraph) Redirect(oldID string, newIDs []string, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := make(map[string][]string, len(ids))
	for _, id := range ids {
		task, ok := g.nodes[id]
		if !ok {
			return models.NewNotFound("task", id)
		}
		prev[id] = g.edges[id]

		var deps []string
		for _, d := range g.edges[id] {
			if d == oldID {
				deps = append(deps, newIDs...)
				continue
			}
			deps = append(deps, d)
		}
		g.edges[id] = deps
		task.DependsOn = append([]string(nil), deps...)
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		for id, deps := range prev {
			g.edges[id] = deps
			g.nodes[id].DependsOn = append([]string(nil), deps...)
		}
		return cycleError{models.NewCycleError(cycle)}
	}
	return nil
}
