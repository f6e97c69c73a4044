package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func task(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Title: id, Status: models.TaskStatusPending, DependsOn: deps}
}

func TestBuildSimple(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{task("a"), task("b", "a"), task("c", "a", "b")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Size() != 3 {
		t.Errorf("Size() = %d, want 3", g.Size())
	}
	if got := g.Dependents("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("Dependents(a) = %v, want [b c]", got)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	g := New()
	err := g.Build([]*models.Task{task("a", "ghost")})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if g.Size() != 0 {
		t.Errorf("graph should be empty after failed build, size=%d", g.Size())
	}
}

func TestBuildCycleNamesPath(t *testing.T) {
	g := New()
	err := g.Build([]*models.Task{task("a", "c"), task("b", "a"), task("c", "b")})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if !errors.Is(err, models.ErrValidation) {
		t.Error("cycle should also be a validation error")
	}

	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *models.ValidationError, got %T", err)
	}
	if len(ve.Cycle) != 4 || ve.Cycle[0] != ve.Cycle[len(ve.Cycle)-1] {
		t.Errorf("cycle path %v should start and end at the same task", ve.Cycle)
	}
	if !strings.Contains(err.Error(), " -> ") {
		t.Errorf("error %q should render the path", err.Error())
	}
}

func TestBuildSelfLoop(t *testing.T) {
	err := New().Build([]*models.Task{task("a", "a")})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected cycle, got %v", err)
	}
}

func TestCheckForwardRefs(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*models.Task
		wantErr bool
	}{
		{"chain", []*models.Task{task("a"), task("b", "a"), task("c", "b")}, false},
		{"fan in", []*models.Task{task("a"), task("b"), task("c", "a", "b")}, false},
		{"forward", []*models.Task{task("a", "b"), task("b")}, true},
		{"self", []*models.Task{task("a", "a")}, true},
		{"unknown", []*models.Task{task("a", "zz")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckForwardRefs(tt.tasks)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckForwardRefs() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTopologicalSort(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{task("c", "b"), task("b", "a"), task("a"), task("d")}); err != nil {
		t.Fatal(err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Errorf("order %v violates dependencies", order)
	}
	if len(order) != 4 {
		t.Errorf("order has %d entries, want 4", len(order))
	}
}

func TestReadyOrdering(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := task("a")
	a.CreatedAt = base.Add(time.Second)
	b := task("b")
	b.CreatedAt = base
	c := task("c", "a")
	c.CreatedAt = base
	z := task("z")
	z.CreatedAt = base.Add(time.Second)

	g := New()
	if err := g.Build([]*models.Task{a, b, c, z}); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, r := range g.Ready() {
		ids = append(ids, r.ID)
	}
	if want := []string{"b", "a", "z"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Ready() = %v, want %v", ids, want)
	}
}

func TestReadyHonoursSkipped(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{task("a"), task("b", "a"), task("c", "a")}); err != nil {
		t.Fatal(err)
	}

	a := g.Get("a")
	a.Status = models.TaskStatusFailed
	if len(g.Ready()) != 0 {
		t.Error("dependents of a failed task must not be ready")
	}

	a.Status = models.TaskStatusSkipped
	if len(g.Ready()) != 2 {
		t.Errorf("dependents of a skipped task should be ready, got %d", len(g.Ready()))
	}
}

func TestTransitiveDependents(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{task("a"), task("b", "a"), task("c", "b"), task("d"), task("e", "d", "c")}); err != nil {
		t.Fatal(err)
	}
	if got := g.TransitiveDependents("a"); !reflect.DeepEqual(got, []string{"b", "c", "e"}) {
		t.Errorf("TransitiveDependents(a) = %v", got)
	}
	if got := g.TransitiveDependents("e"); len(got) != 0 {
		t.Errorf("leaf should have no dependents, got %v", got)
	}
}

func TestAddAndRedirect(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{task("a"), task("b", "a")}); err != nil {
		t.Fatal(err)
	}

	if err := g.Add(task("a2"), task("a3", "a2")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Redirect("a", []string{"a3"}, []string{"b"}); err != nil {
		t.Fatalf("Redirect: %v", err)
	}
	if got := g.Dependencies("b"); !reflect.DeepEqual(got, []string{"a3"}) {
		t.Errorf("Dependencies(b) = %v, want [a3]", got)
	}
	if got := g.Get("b").DependsOn; !reflect.DeepEqual(got, []string{"a3"}) {
		t.Errorf("task DependsOn not updated: %v", got)
	}

	if err := g.Add(task("x", "missing")); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	if g.Get("x") != nil || g.Size() != 4 {
		t.Errorf("failed Add should leave the graph unchanged, size=%d", g.Size())
	}
}
