package taskservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/streamsync/internal/store"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *store.Store) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	st := store.New(nil)
	return New(Config{
		BaseURL: ts.URL,
		Token:   "tok-1",
		Store:   st,
	}), st
}

func TestFetchTasksByThreadHydratesStore(t *testing.T) {
	var gotAuth string
	c, st := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/threads/th-1/tasks" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]store.Task{
			{ID: "t-1", Title: "first", Status: "in_progress", ThreadID: "th-1"},
			{ID: "t-2", Title: "second", Status: "finished", ThreadID: "th-1"},
		})
	}))

	tasks, err := c.FetchTasksByThread(context.Background(), "th-1")
	if err != nil {
		t.Fatalf("FetchTasksByThread() = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization = %q, want Bearer tok-1", gotAuth)
	}

	got, ok := st.TaskByID("t-1")
	if !ok {
		t.Fatal("t-1 not in store")
	}
	if got.Status != store.StatusRunning {
		t.Fatalf("status = %q, want %q", got.Status, store.StatusRunning)
	}
	if st.TasksLoading("th-1") {
		t.Fatal("loading flag still up after hydrate")
	}
	if !st.TasksInitialized("th-1") {
		t.Fatal("initialized flag not set")
	}
}

func TestFetchTasksByThreadRecordsError(t *testing.T) {
	c, st := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	if _, err := c.FetchTasksByThread(context.Background(), "th-1"); err == nil {
		t.Fatal("FetchTasksByThread() = nil, want error")
	}
	if _, ok := st.TasksError("th-1"); !ok {
		t.Fatal("error not recorded in store")
	}
	if st.TasksLoading("th-1") {
		t.Fatal("loading flag still up after failure")
	}
}

func TestFetchPlanStoresPlanAndTasks(t *testing.T) {
	c, st := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plans/p-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(store.Plan{
			ID: "p-1", Title: "rollout", Status: "active", ThreadID: "th-1",
			Tasks: []store.Task{{ID: "t-1", Title: "step", Status: "todo", PlanID: "p-1"}},
		})
	}))

	plan, err := c.FetchPlan(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("FetchPlan() = %v", err)
	}
	if plan.ID != "p-1" {
		t.Fatalf("plan.ID = %q", plan.ID)
	}
	if ids := st.TaskIDsByPlan("p-1"); len(ids) != 1 || ids[0] != "t-1" {
		t.Fatalf("TaskIDsByPlan = %v, want [t-1]", ids)
	}
}

func TestFetchPlansByRoom(t *testing.T) {
	c, st := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms/room-1/plans" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]store.Plan{
			{ID: "p-1", Title: "a", Status: "active", RoomID: "room-1"},
			{ID: "p-2", Title: "b", Status: "active", RoomID: "room-1"},
		})
	}))

	plans, err := c.FetchPlansByRoom(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("FetchPlansByRoom() = %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("len(plans) = %d, want 2", len(plans))
	}
	if ids := st.PlanIDsByRoom("room-1"); len(ids) != 2 {
		t.Fatalf("PlanIDsByRoom = %v, want 2 ids", ids)
	}
}

func TestUpdateTaskAppliesEcho(t *testing.T) {
	c, st := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %q, want PATCH", r.Method)
		}
		var patch store.TaskPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			t.Errorf("decode patch: %v", err)
		}
		json.NewEncoder(w).Encode(store.Task{
			ID: "t-1", ThreadID: "th-1", Title: "renamed", Status: "completed",
		})
	}))

	title := "renamed"
	task, err := c.UpdateTask(context.Background(), "t-1", store.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("UpdateTask() = %v", err)
	}
	if task.Title != "renamed" {
		t.Fatalf("task.Title = %q", task.Title)
	}
	got, ok := st.TaskByID("t-1")
	if !ok {
		t.Fatal("t-1 not in store")
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %q, want %q", got.Status, store.StatusCompleted)
	}
}

func TestApprovePlan(t *testing.T) {
	c, st := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/plans/p-1/approve" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(store.Plan{
			ID: "p-1", Title: "rollout", Status: "active", ThreadID: "th-1", IsApproved: true,
		})
	}))

	plan, err := c.ApprovePlan(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("ApprovePlan() = %v", err)
	}
	if !plan.IsApproved {
		t.Fatal("plan not approved in echo")
	}
	got, ok := st.PlanByID("p-1")
	if !ok {
		t.Fatal("p-1 not in store")
	}
	if !got.IsApproved {
		t.Fatal("approval not applied to store")
	}
}

func TestDeleteTask(t *testing.T) {
	c, st := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %q, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	st.AddTask("th-1", store.Task{ID: "t-1", Title: "doomed", Status: "todo", ThreadID: "th-1"})

	if err := c.DeleteTask(context.Background(), "th-1", "t-1"); err != nil {
		t.Fatalf("DeleteTask() = %v", err)
	}
	if _, ok := st.TaskByID("t-1"); ok {
		t.Fatal("t-1 still in store after delete")
	}
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))

	_, err := c.FetchPlan(context.Background(), "p-1")
	if err == nil {
		t.Fatal("FetchPlan() = nil, want error")
	}
}
