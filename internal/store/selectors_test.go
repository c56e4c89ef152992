package store

import (
	"fmt"
	"reflect"
	"testing"
)

func planFixture(s *Store) {
	s.SetPlan(Plan{ID: "p-1", Title: "rollout", RoomID: "room-1", Tasks: []Task{
		{ID: "t-1", Status: "completed", Order: intPtr(1), UpdatedAt: "2026-08-01T10:00:00Z"},
		{ID: "t-2", Status: "running", Order: intPtr(2), UpdatedAt: "2026-08-01T10:00:00Z"},
		{ID: "t-3", Status: "ready", Order: intPtr(3), UpdatedAt: "2026-08-01T10:00:00Z"},
		{ID: "t-4", Status: "todo", Order: intPtr(4), UpdatedAt: "2026-08-01T10:00:00Z"},
	}}, "th-1")
}

func TestSortedPlanTaskIDsPriority(t *testing.T) {
	s := New(nil)
	planFixture(s)
	sel := NewSelectors(s)

	got := sel.SortedPlanTaskIDs("p-1")
	want := []string{"t-2", "t-3", "t-4", "t-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SortedPlanTaskIDs = %v, want %v", got, want)
	}
}

func TestSortTieBreakByOrder(t *testing.T) {
	s := New(nil)
	s.SetPlan(Plan{ID: "p-1", Tasks: []Task{
		{ID: "t-a", Status: "pending", Order: intPtr(5)},
		{ID: "t-b", Status: "pending", Order: intPtr(2)},
		{ID: "t-c", Status: "pending"}, // missing order sorts last
	}}, "th-1")
	sel := NewSelectors(s)

	got := sel.SortedPlanTaskIDs("p-1")
	want := []string{"t-b", "t-a", "t-c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SortedPlanTaskIDs = %v, want %v", got, want)
	}
}

func TestPlanProgress(t *testing.T) {
	s := New(nil)
	planFixture(s)
	sel := NewSelectors(s)

	got := sel.PlanProgressFor("p-1")
	want := PlanProgress{Completed: 1, Total: 4, Percentage: 25}
	if got != want {
		t.Fatalf("PlanProgressFor = %+v, want %+v", got, want)
	}

	if empty := sel.PlanProgressFor("p-none"); empty != (PlanProgress{}) {
		t.Fatalf("empty plan progress = %+v", empty)
	}
}

func TestPlanStatsEstimate(t *testing.T) {
	s := New(nil)
	planFixture(s)
	sel := NewSelectors(s)

	got := sel.PlanStatsFor("p-1")
	if got.Running != 1 {
		t.Fatalf("Running = %d, want 1", got.Running)
	}
	if got.Pending != 2 {
		t.Fatalf("Pending = %d, want 2", got.Pending)
	}
	// 3 incomplete tasks at 2.5 minutes each.
	if got.EstimatedTime != "~8m" {
		t.Fatalf("EstimatedTime = %q, want ~8m", got.EstimatedTime)
	}
}

func TestEstimateSwitchesToHours(t *testing.T) {
	s := New(nil)
	tasks := make([]Task, 31)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprintf("t-%02d", i), Status: "pending"}
	}
	s.SetPlan(Plan{ID: "p-1", Tasks: tasks}, "th-1")
	sel := NewSelectors(s)

	// 31 incomplete tasks is 77.5 minutes.
	if got := sel.PlanStatsFor("p-1").EstimatedTime; got != "~1.3h" {
		t.Fatalf("EstimatedTime = %q, want ~1.3h", got)
	}
}

func TestPlanViewPopulatesSortedTasks(t *testing.T) {
	s := New(nil)
	planFixture(s)
	sel := NewSelectors(s)

	plan, ok := sel.PlanView("p-1")
	if !ok {
		t.Fatal("PlanView miss")
	}
	if len(plan.Tasks) != 4 {
		t.Fatalf("tasks = %d, want 4", len(plan.Tasks))
	}
	if plan.Tasks[0].ID != "t-2" {
		t.Fatalf("first task = %q, want running task first", plan.Tasks[0].ID)
	}

	if _, ok := sel.PlanView("p-none"); ok {
		t.Fatal("PlanView hit for unknown plan")
	}
}

func TestSelectorMemoization(t *testing.T) {
	s := New(nil)
	planFixture(s)
	sel := NewSelectors(s)

	first := sel.SortedPlanTaskIDs("p-1")
	second := sel.SortedPlanTaskIDs("p-1")
	// Same store version returns the cached slice, not a recomputed copy.
	if &first[0] != &second[0] {
		t.Fatal("selector recomputed without a store change")
	}

	s.UpdateTask("th-1", "t-4", TaskPatch{Status: strPtr("running")})
	third := sel.SortedPlanTaskIDs("p-1")
	if reflect.DeepEqual(second, third) {
		t.Fatalf("selector returned stale order after store change: %v", third)
	}
}

func TestSortedTasksByThread(t *testing.T) {
	s := New(nil)
	s.SetTasks("th-1", []Task{
		{ID: "t-1", Status: "completed"},
		{ID: "t-2", Status: "running"},
		{ID: "t-3", Status: "ready"},
		{ID: "t-4", Status: "todo"},
	})
	sel := NewSelectors(s)

	got := sel.SortedTasksByThread("th-1")
	want := []string{"t-2", "t-3", "t-4", "t-1"}
	for i, task := range got {
		if task.ID != want[i] {
			t.Fatalf("sorted[%d] = %q, want %q", i, task.ID, want[i])
		}
	}
}
