package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/meshd/pkg/domain"
)

// Mesh owns the DAG of tasks and dependency edges. All reads go through
// the reader lock and return snapshots; all mutations take the writer
// lock, so readiness queries and status updates never observe a
// half-applied change.
type Mesh struct {
	mu sync.RWMutex

	tasks map[domain.TaskID]*domain.TaskNode
	edges map[domain.EdgeID]*domain.DependencyEdge

	// incoming/outgoing index edges by their endpoints.
	incoming map[domain.TaskID][]domain.EdgeID
	outgoing map[domain.TaskID][]domain.EdgeID

	// seq preserves insertion order for deterministic tie-breaks.
	seq     map[domain.TaskID]int
	nextSeq int
}

// NewMesh creates an empty task mesh.
func NewMesh() *Mesh {
	return &Mesh{
		tasks:    make(map[domain.TaskID]*domain.TaskNode),
		edges:    make(map[domain.EdgeID]*domain.DependencyEdge),
		incoming: make(map[domain.TaskID][]domain.EdgeID),
		outgoing: make(map[domain.TaskID][]domain.EdgeID),
		seq:      make(map[domain.TaskID]int),
	}
}

// AddTask inserts a node with no edges. Always succeeds.
func (m *Mesh) AddTask(task *domain.TaskNode) domain.TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[task.ID] = task.Clone()
	m.seq[task.ID] = m.nextSeq
	m.nextSeq++
	return task.ID
}

// AddDependency inserts an edge making target depend on source. The call
// fails with domain.ErrUnknownTask if either endpoint is missing and with
// domain.ErrCycleDetected if a blocking edge would close a cycle; in both
// cases the graph is left unchanged.
func (m *Mesh) AddDependency(source, target domain.TaskID, depType domain.DependencyType, weight float64) (domain.EdgeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[source]; !ok {
		return uuid.Nil, fmt.Errorf("source %s: %w", source, domain.ErrUnknownTask)
	}
	if _, ok := m.tasks[target]; !ok {
		return uuid.Nil, fmt.Errorf("target %s: %w", target, domain.ErrUnknownTask)
	}
	if source == target {
		return uuid.Nil, fmt.Errorf("task %s depends on itself: %w", source, domain.ErrCycleDetected)
	}
	if weight < 0 {
		return uuid.Nil, fmt.Errorf("edge weight must be non-negative, got %v", weight)
	}

	// The new edge source->target closes a cycle iff source is already
	// reachable from target over blocking edges. Checked before any
	// mutation so a rejected call leaves the graph untouched.
	if depType.Blocking() && m.reachable(target, source) {
		return uuid.Nil, domain.ErrCycleDetected
	}

	edge := &domain.DependencyEdge{
		ID:        uuid.New(),
		Source:    source,
		Target:    target,
		Type:      depType,
		Weight:    weight,
		CreatedAt: time.Now(),
	}
	m.edges[edge.ID] = edge
	m.outgoing[source] = append(m.outgoing[source], edge.ID)
	m.incoming[target] = append(m.incoming[target], edge.ID)
	return edge.ID, nil
}

// reachable walks blocking edges depth-first from from to to.
// Caller holds at least the reader lock.
func (m *Mesh) reachable(from, to domain.TaskID) bool {
	visited := make(map[domain.TaskID]bool)
	stack := []domain.TaskID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, eid := range m.outgoing[cur] {
			if e := m.edges[eid]; e.Type.Blocking() {
				stack = append(stack, e.Target)
			}
		}
	}
	return false
}

// Task returns a snapshot of the node.
func (m *Mesh) Task(id domain.TaskID) (*domain.TaskNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrUnknownTask)
	}
	return task.Clone(), nil
}

// Tasks returns snapshots of all nodes in insertion order.
func (m *Mesh) Tasks() []*domain.TaskNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.TaskNode, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] < m.seq[out[j].ID] })
	return out
}

// ReadyTasks returns all pending tasks whose incoming blocking edges all
// originate from completed tasks, ordered by priority descending then
// insertion order.
func (m *Mesh) ReadyTasks() []domain.TaskID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ready []domain.TaskID
	for id, task := range m.tasks {
		if task.Status != domain.StatusPending {
			continue
		}
		if m.blockedLocked(id) {
			continue
		}
		ready = append(ready, id)
	}
	m.sortByPriorityLocked(ready)
	return ready
}

// Blocked reports whether any incoming blocking edge of the task has a
// source that is not completed.
func (m *Mesh) Blocked(id domain.TaskID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.tasks[id]; !ok {
		return false, fmt.Errorf("task %s: %w", id, domain.ErrUnknownTask)
	}
	return m.blockedLocked(id), nil
}

func (m *Mesh) blockedLocked(id domain.TaskID) bool {
	for _, eid := range m.incoming[id] {
		e := m.edges[eid]
		if !e.Type.Blocking() {
			continue
		}
		if m.tasks[e.Source].Status != domain.StatusCompleted {
			return true
		}
	}
	return false
}

func (m *Mesh) sortByPriorityLocked(ids []domain.TaskID) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.tasks[ids[i]], m.tasks[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return m.seq[ids[i]] < m.seq[ids[j]]
	})
}

// TopologicalOrder returns a deterministic linearization respecting all
// blocking edges: ties broken by priority descending, then insertion
// order.
func (m *Mesh) TopologicalOrder() []domain.TaskID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indegree := make(map[domain.TaskID]int, len(m.tasks))
	for id := range m.tasks {
		indegree[id] = 0
	}
	for _, e := range m.edges {
		if e.Type.Blocking() {
			indegree[e.Target]++
		}
	}

	var frontier []domain.TaskID
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]domain.TaskID, 0, len(m.tasks))
	for len(frontier) > 0 {
		m.sortByPriorityLocked(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)

		for _, eid := range m.outgoing[next] {
			e := m.edges[eid]
			if !e.Type.Blocking() {
				continue
			}
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				frontier = append(frontier, e.Target)
			}
		}
	}
	return order
}

// CriticalPath returns the longest weighted chain of blocking edges from
// any source to any sink, with its total weight. Ties are broken by
// earliest insertion order. The path reports the bottleneck chain; it
// does not alter scheduling.
func (m *Mesh) CriticalPath() ([]domain.TaskID, float64) {
	order := m.TopologicalOrder()

	m.mu.RLock()
	defer m.mu.RUnlock()

	dist := make(map[domain.TaskID]float64, len(order))
	prev := make(map[domain.TaskID]domain.TaskID, len(order))
	for _, id := range order {
		for _, eid := range m.incoming[id] {
			e := m.edges[eid]
			if !e.Type.Blocking() {
				continue
			}
			cand := dist[e.Source] + e.Weight
			cur, seen := dist[id]
			hasPrev := false
			if _, ok := prev[id]; ok {
				hasPrev = true
			}
			switch {
			case !seen || cand > cur:
				dist[id] = cand
				prev[id] = e.Source
			case cand == cur && hasPrev && m.seq[e.Source] < m.seq[prev[id]]:
				prev[id] = e.Source
			}
		}
	}

	var (
		best     domain.TaskID
		bestDist = -1.0
		haveBest bool
	)
	for _, id := range order {
		// Only sink-less nodes terminate a critical path.
		if m.hasBlockingOutgoingLocked(id) {
			continue
		}
		d := dist[id]
		if !haveBest || d > bestDist || (d == bestDist && m.seq[id] < m.seq[best]) {
			best, bestDist, haveBest = id, d, true
		}
	}
	if !haveBest {
		return nil, 0
	}

	var path []domain.TaskID
	for cur := best; ; {
		path = append([]domain.TaskID{cur}, path...)
		p, ok := prev[cur]
		if !ok {
			break
		}
		cur = p
	}
	return path, bestDist
}

func (m *Mesh) hasBlockingOutgoingLocked(id domain.TaskID) bool {
	for _, eid := range m.outgoing[id] {
		if m.edges[eid].Type.Blocking() {
			return true
		}
	}
	return false
}

// Dependencies returns the ids of tasks id depends on through blocking
// edges, ordered by priority then insertion.
func (m *Mesh) Dependencies(id domain.TaskID) []domain.TaskID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.TaskID
	seen := make(map[domain.TaskID]bool)
	for _, eid := range m.incoming[id] {
		e := m.edges[eid]
		if e.Type.Blocking() && !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	m.sortByPriorityLocked(out)
	return out
}

// Dependents returns the ids of tasks that depend on id through blocking
// edges, ordered by priority then insertion.
func (m *Mesh) Dependents(id domain.TaskID) []domain.TaskID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.TaskID
	seen := make(map[domain.TaskID]bool)
	for _, eid := range m.outgoing[id] {
		e := m.edges[eid]
		if e.Type.Blocking() && !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	m.sortByPriorityLocked(out)
	return out
}

// ResourceGroups returns the mutual-exclusion tags of a task: its own
// declared tags plus one synthetic tag per incident resource edge, so
// both endpoints of a resource edge share a group.
func (m *Mesh) ResourceGroups(id domain.TaskID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil
	}
	groups := append([]string(nil), task.ResourceTags...)
	for _, eid := range append(append([]domain.EdgeID(nil), m.incoming[id]...), m.outgoing[id]...) {
		if e := m.edges[eid]; e.Type == domain.DependencyResource {
			groups = append(groups, "edge:"+e.ID.String())
		}
	}
	return groups
}

// EdgeCount returns the number of edges in the mesh.
func (m *Mesh) EdgeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}

// Transition updates the status of a task under the writer lock and
// returns the previous status. Callers (the orchestrator only) are
// responsible for transition legality and per-task serialization.
func (m *Mesh) Transition(id domain.TaskID, to domain.TaskStatus) (domain.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return "", fmt.Errorf("task %s: %w", id, domain.ErrUnknownTask)
	}
	from := task.Status
	task.Status = to
	task.UpdatedAt = time.Now()
	return from, nil
}

// RecordStart stamps the start of an execution attempt.
func (m *Mesh) RecordStart(id domain.TaskID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.tasks[id]; ok {
		task.Metrics.StartedAt = &at
	}
}

// RecordFinish stamps the end of execution and the measured duration.
// errMsg is empty on success.
func (m *Mesh) RecordFinish(id domain.TaskID, at time.Time, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return
	}
	task.Metrics.CompletedAt = &at
	if task.Metrics.StartedAt != nil {
		task.Metrics.Duration = at.Sub(*task.Metrics.StartedAt)
	}
	task.Metrics.LastError = errMsg
}

// IncrementRetry bumps the retry counter of a task.
func (m *Mesh) IncrementRetry(id domain.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.tasks[id]; ok {
		task.Metrics.RetryCount++
	}
}

// Statistics summarizes the mesh for the observation API.
type Statistics struct {
	TotalTasks int                       `json:"total_tasks"`
	TotalEdges int                       `json:"total_edges"`
	ByStatus   map[domain.TaskStatus]int `json:"by_status"`
	ByPriority map[string]int            `json:"by_priority"`
}

// Stats computes current mesh statistics.
func (m *Mesh) Stats() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{
		TotalTasks: len(m.tasks),
		TotalEdges: len(m.edges),
		ByStatus:   make(map[domain.TaskStatus]int),
		ByPriority: make(map[string]int),
	}
	for _, t := range m.tasks {
		stats.ByStatus[t.Status]++
		stats.ByPriority[t.Priority.String()]++
	}
	return stats
}
