package graph

import (
	"errors"
	"testing"

	"github.com/taskmesh/meshd/pkg/domain"
)

func addTask(t *testing.T, m *Mesh, name string, priority domain.TaskPriority) domain.TaskID {
	t.Helper()
	task := domain.NewTaskNode(name)
	task.Priority = priority
	return m.AddTask(task)
}

func mustEdge(t *testing.T, m *Mesh, source, target domain.TaskID, depType domain.DependencyType, weight float64) domain.EdgeID {
	t.Helper()
	id, err := m.AddDependency(source, target, depType, weight)
	if err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	return id
}

func TestCycleRejectionLeavesMeshUnchanged(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)
	b := addTask(t, m, "b", domain.PriorityMedium)
	c := addTask(t, m, "c", domain.PriorityMedium)

	mustEdge(t, m, a, b, domain.DependencyHard, 1)
	mustEdge(t, m, b, c, domain.DependencyHard, 1)

	before := m.EdgeCount()
	if _, err := m.AddDependency(c, a, domain.DependencyHard, 1); !errors.Is(err, domain.ErrCycleDetected) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if m.EdgeCount() != before {
		t.Fatalf("edge count changed after rejected edge: %d != %d", m.EdgeCount(), before)
	}

	order := m.TopologicalOrder()
	if len(order) != 3 {
		t.Fatalf("expected full topological order, got %d nodes", len(order))
	}
}

func TestSelfDependencyRejected(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)

	if _, err := m.AddDependency(a, a, domain.DependencyHard, 1); !errors.Is(err, domain.ErrCycleDetected) {
		t.Fatalf("expected cycle error for self edge, got %v", err)
	}
}

func TestUnknownEndpointRejected(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)
	ghost := domain.NewTaskNode("ghost").ID

	if _, err := m.AddDependency(a, ghost, domain.DependencyHard, 1); !errors.Is(err, domain.ErrUnknownTask) {
		t.Fatalf("expected unknown task error, got %v", err)
	}
	if _, err := m.AddDependency(ghost, a, domain.DependencyHard, 1); !errors.Is(err, domain.ErrUnknownTask) {
		t.Fatalf("expected unknown task error, got %v", err)
	}
}

func TestSoftEdgesNeverBlockOrCycle(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)
	b := addTask(t, m, "b", domain.PriorityMedium)

	mustEdge(t, m, a, b, domain.DependencyHard, 1)
	// A soft edge closing the loop is advisory, not a cycle.
	mustEdge(t, m, b, a, domain.DependencySoft, 1)

	ready := m.ReadyTasks()
	if len(ready) != 1 || ready[0] != a {
		t.Fatalf("expected only a ready, got %v", ready)
	}
}

func TestReadyTasksOrderedByPriorityThenInsertion(t *testing.T) {
	m := NewMesh()
	low := addTask(t, m, "low", domain.PriorityLow)
	critical := addTask(t, m, "critical", domain.PriorityCritical)
	first := addTask(t, m, "medium-first", domain.PriorityMedium)
	second := addTask(t, m, "medium-second", domain.PriorityMedium)

	ready := m.ReadyTasks()
	want := []domain.TaskID{critical, first, second, low}
	if len(ready) != len(want) {
		t.Fatalf("expected %d ready tasks, got %d", len(want), len(ready))
	}
	for i := range want {
		if ready[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], ready[i])
		}
	}
}

func TestReadinessRequiresCompletedSources(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)
	b := addTask(t, m, "b", domain.PriorityMedium)
	mustEdge(t, m, a, b, domain.DependencyData, 1)

	if blocked, _ := m.Blocked(b); !blocked {
		t.Fatal("b should be blocked while a is pending")
	}

	// A failed dependency must not unlock its dependents.
	if _, err := m.Transition(a, domain.StatusFailed); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if blocked, _ := m.Blocked(b); !blocked {
		t.Fatal("b must stay blocked after a failed")
	}

	if _, err := m.Transition(a, domain.StatusCompleted); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if blocked, _ := m.Blocked(b); blocked {
		t.Fatal("b should be unblocked after a completed")
	}
}

func TestTopologicalOrderRespectsEdgesAndTieBreaks(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityLow)
	b := addTask(t, m, "b", domain.PriorityHigh)
	c := addTask(t, m, "c", domain.PriorityMedium)
	d := addTask(t, m, "d", domain.PriorityMedium)

	mustEdge(t, m, a, c, domain.DependencyHard, 1)
	mustEdge(t, m, b, c, domain.DependencyHard, 1)
	mustEdge(t, m, c, d, domain.DependencyHard, 1)

	order := m.TopologicalOrder()
	pos := make(map[domain.TaskID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	if pos[a] > pos[c] || pos[b] > pos[c] || pos[c] > pos[d] {
		t.Fatalf("order violates edges: %v", order)
	}
	// b outranks a, so it goes first among the initial frontier.
	if pos[b] > pos[a] {
		t.Fatalf("expected high priority first, got %v", order)
	}
}

func TestCriticalPathPicksHeaviestChain(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)
	b := addTask(t, m, "b", domain.PriorityMedium)
	c := addTask(t, m, "c", domain.PriorityMedium)
	d := addTask(t, m, "d", domain.PriorityMedium)

	mustEdge(t, m, a, b, domain.DependencyHard, 5)
	mustEdge(t, m, b, d, domain.DependencyHard, 5)
	mustEdge(t, m, a, c, domain.DependencyHard, 1)
	mustEdge(t, m, c, d, domain.DependencyHard, 1)

	path, weight := m.CriticalPath()
	if weight != 10 {
		t.Fatalf("expected weight 10, got %v", weight)
	}
	want := []domain.TaskID{a, b, d}
	if len(path) != len(want) {
		t.Fatalf("expected path of %d, got %v", len(want), path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], path[i])
		}
	}
}

func TestCriticalPathEmptyMesh(t *testing.T) {
	m := NewMesh()
	path, weight := m.CriticalPath()
	if len(path) != 0 || weight != 0 {
		t.Fatalf("expected empty path, got %v (%v)", path, weight)
	}
}

func TestResourceGroupsIncludeEdgeTags(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)
	b := addTask(t, m, "b", domain.PriorityMedium)

	task, _ := m.Task(a)
	if len(m.ResourceGroups(a)) != 0 {
		t.Fatalf("expected no groups for untagged task %s", task.Name)
	}

	edge := mustEdge(t, m, a, b, domain.DependencyResource, 0)

	groupsA := m.ResourceGroups(a)
	groupsB := m.ResourceGroups(b)
	if len(groupsA) != 1 || len(groupsB) != 1 {
		t.Fatalf("expected one group each, got %v / %v", groupsA, groupsB)
	}
	if groupsA[0] != groupsB[0] {
		t.Fatalf("endpoints must share the group: %v != %v", groupsA[0], groupsB[0])
	}
	if groupsA[0] != "edge:"+edge.String() {
		t.Fatalf("unexpected group tag %q", groupsA[0])
	}

	// Resource edges are advisory for readiness.
	ready := m.ReadyTasks()
	if len(ready) != 2 {
		t.Fatalf("resource edge should not block: %v", ready)
	}
}

func TestDependentsAndStats(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)
	b := addTask(t, m, "b", domain.PriorityHigh)
	c := addTask(t, m, "c", domain.PriorityLow)

	mustEdge(t, m, a, b, domain.DependencyHard, 1)
	mustEdge(t, m, a, c, domain.DependencyData, 1)

	deps := m.Dependents(a)
	if len(deps) != 2 || deps[0] != b || deps[1] != c {
		t.Fatalf("unexpected dependents: %v", deps)
	}

	sources := m.Dependencies(b)
	if len(sources) != 1 || sources[0] != a {
		t.Fatalf("unexpected dependencies: %v", sources)
	}
	if len(m.Dependencies(a)) != 0 {
		t.Fatal("root task should have no dependencies")
	}

	stats := m.Stats()
	if stats.TotalTasks != 3 || stats.TotalEdges != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByStatus[domain.StatusPending] != 3 {
		t.Fatalf("expected 3 pending, got %d", stats.ByStatus[domain.StatusPending])
	}
}

func TestTransitionReturnsPreviousStatus(t *testing.T) {
	m := NewMesh()
	a := addTask(t, m, "a", domain.PriorityMedium)

	from, err := m.Transition(a, domain.StatusReady)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if from != domain.StatusPending {
		t.Fatalf("expected pending, got %s", from)
	}

	task, _ := m.Task(a)
	if task.Status != domain.StatusReady {
		t.Fatalf("expected ready, got %s", task.Status)
	}
}
