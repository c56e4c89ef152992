package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// estimatedMinutesPerTask is the heuristic cost of one incomplete task.
const estimatedMinutesPerTask = 2.5

// PlanProgress summarizes completion over a plan's tasks.
type PlanProgress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// PlanStats carries display statistics for a plan.
type PlanStats struct {
	Running       int    `json:"running"`
	Pending       int    `json:"pending"`
	EstimatedTime string `json:"estimated_time"`
}

// Selectors is the memoized read side. Every projection caches per key and
// recomputes only when the store version has moved since the cached entry.
type Selectors struct {
	store *Store

	mu        sync.Mutex
	planViews map[string]cached[Plan]
	sortedIDs map[string]cached[[]string]
	progress  map[string]cached[PlanProgress]
	stats     map[string]cached[PlanStats]
	byThread  map[string]cached[[]Task]
}

type cached[T any] struct {
	version uint64
	value   T
}

// NewSelectors creates a selector layer over the given store.
func NewSelectors(s *Store) *Selectors {
	return &Selectors{
		store:     s,
		planViews: make(map[string]cached[Plan]),
		sortedIDs: make(map[string]cached[[]string]),
		progress:  make(map[string]cached[PlanProgress]),
		stats:     make(map[string]cached[PlanStats]),
		byThread:  make(map[string]cached[[]Task]),
	}
}

// PlanView reconstructs a plan with its tasks populated in sorted order.
func (sel *Selectors) PlanView(planID string) (Plan, bool) {
	version := sel.store.Version()
	sel.mu.Lock()
	if entry, ok := sel.planViews[planID]; ok && entry.version == version {
		sel.mu.Unlock()
		return entry.value, entry.value.ID != ""
	}
	sel.mu.Unlock()

	plan, ok := sel.store.PlanByID(planID)
	if ok {
		ids := sel.SortedPlanTaskIDs(planID)
		tasks := make([]Task, 0, len(ids))
		for _, id := range ids {
			if task, found := sel.store.TaskByID(id); found {
				tasks = append(tasks, task)
			}
		}
		plan.Tasks = tasks
	}

	sel.mu.Lock()
	sel.planViews[planID] = cached[Plan]{version: version, value: plan}
	sel.mu.Unlock()
	return plan, ok
}

// SortedPlanTaskIDs returns a plan's task ids ordered by status priority,
// ties broken by order ascending with missing orders last.
func (sel *Selectors) SortedPlanTaskIDs(planID string) []string {
	version := sel.store.Version()
	sel.mu.Lock()
	if entry, ok := sel.sortedIDs[planID]; ok && entry.version == version {
		sel.mu.Unlock()
		return entry.value
	}
	sel.mu.Unlock()

	ids := sel.store.TaskIDsByPlan(planID)
	tasks := make(map[string]Task, len(ids))
	for _, id := range ids {
		if task, ok := sel.store.TaskByID(id); ok {
			tasks[id] = task
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := tasks[ids[i]], tasks[ids[j]]
		pa, pb := StatusPriority(a.Status), StatusPriority(b.Status)
		if pa != pb {
			return pa < pb
		}
		return a.OrderValue() < b.OrderValue()
	})

	sel.mu.Lock()
	sel.sortedIDs[planID] = cached[[]string]{version: version, value: ids}
	sel.mu.Unlock()
	return ids
}

// SortedTasksByThread returns a thread's tasks in priority order.
func (sel *Selectors) SortedTasksByThread(threadID string) []Task {
	version := sel.store.Version()
	sel.mu.Lock()
	if entry, ok := sel.byThread[threadID]; ok && entry.version == version {
		sel.mu.Unlock()
		return entry.value
	}
	sel.mu.Unlock()

	tasks := sel.store.TasksByThread(threadID)
	sort.SliceStable(tasks, func(i, j int) bool {
		pa, pb := StatusPriority(tasks[i].Status), StatusPriority(tasks[j].Status)
		if pa != pb {
			return pa < pb
		}
		return tasks[i].OrderValue() < tasks[j].OrderValue()
	})

	sel.mu.Lock()
	sel.byThread[threadID] = cached[[]Task]{version: version, value: tasks}
	sel.mu.Unlock()
	return tasks
}

// PlanProgressFor computes completed/total/percentage over the fixed
// completed-status set.
func (sel *Selectors) PlanProgressFor(planID string) PlanProgress {
	version := sel.store.Version()
	sel.mu.Lock()
	if entry, ok := sel.progress[planID]; ok && entry.version == version {
		sel.mu.Unlock()
		return entry.value
	}
	sel.mu.Unlock()

	var p PlanProgress
	for _, id := range sel.store.TaskIDsByPlan(planID) {
		task, ok := sel.store.TaskByID(id)
		if !ok {
			continue
		}
		p.Total++
		if IsCompletedStatus(task.Status) {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(p.Completed) / float64(p.Total) * 100))
	}

	sel.mu.Lock()
	sel.progress[planID] = cached[PlanProgress]{version: version, value: p}
	sel.mu.Unlock()
	return p
}

// PlanStatsFor computes running/pending counts and a heuristic remaining
// time: 2.5 minutes per incomplete task, formatted as minutes or hours.
func (sel *Selectors) PlanStatsFor(planID string) PlanStats {
	version := sel.store.Version()
	sel.mu.Lock()
	if entry, ok := sel.stats[planID]; ok && entry.version == version {
		sel.mu.Unlock()
		return entry.value
	}
	sel.mu.Unlock()

	var st PlanStats
	incomplete := 0
	for _, id := range sel.store.TaskIDsByPlan(planID) {
		task, ok := sel.store.TaskByID(id)
		if !ok {
			continue
		}
		switch {
		case task.Status == StatusRunning:
			st.Running++
		case !IsCompletedStatus(task.Status):
			st.Pending++
		}
		if !IsCompletedStatus(task.Status) {
			incomplete++
		}
	}
	st.EstimatedTime = formatEstimate(float64(incomplete) * estimatedMinutesPerTask)

	sel.mu.Lock()
	sel.stats[planID] = cached[PlanStats]{version: version, value: st}
	sel.mu.Unlock()
	return st
}

func formatEstimate(minutes float64) string {
	if minutes < 60 {
		return fmt.Sprintf("~%dm", int(math.Round(minutes)))
	}
	return fmt.Sprintf("~%.1fh", minutes/60)
}
