package store

// SetTasks replaces the task list for a thread with a fetched snapshot and
// marks the thread initialized. Reapplying the same snapshot is a no-op.
func (tx *Txn) SetTasks(threadID string, tasks []Task) {
	s := tx.s
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		task.Status = NormalizeStatus(task.Status)
		if task.ThreadID == "" {
			task.ThreadID = threadID
		}
		s.tasksByID[task.ID] = task
		ids = append(ids, task.ID)
		if task.PlanID != "" {
			s.taskIDsByPlan[task.PlanID] = appendUnique(s.taskIDsByPlan[task.PlanID], task.ID)
		}
	}
	s.tasksByThread[threadID] = ids
	s.tasksLoading[threadID] = false
	s.tasksInitialized[threadID] = true
	delete(s.tasksErrors, threadID)
}

// AddTask upserts one task and appends it to the thread and plan indices.
func (tx *Txn) AddTask(threadID string, task Task) {
	s := tx.s
	task.Status = NormalizeStatus(task.Status)
	if task.ThreadID == "" {
		task.ThreadID = threadID
	}
	s.tasksByID[task.ID] = task
	s.tasksByThread[threadID] = appendUnique(s.tasksByThread[threadID], task.ID)
	if task.PlanID != "" {
		s.taskIDsByPlan[task.PlanID] = appendUnique(s.taskIDsByPlan[task.PlanID], task.ID)
	}
}

// UpdateTask applies a partial update, creating the task if it does not
// exist yet (events may reference a task before its snapshot arrives).
func (tx *Txn) UpdateTask(threadID, taskID string, patch TaskPatch) {
	s := tx.s
	task, ok := s.tasksByID[taskID]
	if !ok {
		task = Task{ID: taskID, ThreadID: threadID, Status: StatusPending}
		s.tasksByThread[threadID] = appendUnique(s.tasksByThread[threadID], taskID)
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Status != nil {
		task.Status = NormalizeStatus(*patch.Status)
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Order != nil {
		task.Order = patch.Order
	}
	if patch.UpdatedAt != nil {
		task.UpdatedAt = *patch.UpdatedAt
	}
	if patch.FinishedAt != nil {
		task.FinishedAt = *patch.FinishedAt
	}
	if patch.PlanID != nil && *patch.PlanID != task.PlanID {
		if task.PlanID != "" {
			s.taskIDsByPlan[task.PlanID] = removeID(s.taskIDsByPlan[task.PlanID], taskID)
		}
		task.PlanID = *patch.PlanID
		if task.PlanID != "" {
			s.taskIDsByPlan[task.PlanID] = appendUnique(s.taskIDsByPlan[task.PlanID], taskID)
		}
	}
	s.tasksByID[taskID] = task
	if task.PlanID != "" {
		tx.maybeCompletePlan(task.PlanID)
	}
}

// RemoveTask deletes a task and purges its id from every plan's task list,
// not only its owner.
func (tx *Txn) RemoveTask(threadID, taskID string) {
	s := tx.s
	delete(s.tasksByID, taskID)
	s.tasksByThread[threadID] = removeID(s.tasksByThread[threadID], taskID)
	for planID, ids := range s.taskIDsByPlan {
		s.taskIDsByPlan[planID] = removeID(ids, taskID)
	}
}

// SetPlan stores a plan snapshot. Embedded tasks merge into the task table
// via last-write-wins on updated_at, tolerating a full-plan refresh racing
// with finer-grained per-task updates.
func (tx *Txn) SetPlan(plan Plan, threadID string) {
	s := tx.s
	ids := make([]string, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		task.Status = NormalizeStatus(task.Status)
		if task.PlanID == "" {
			task.PlanID = plan.ID
		}
		if task.ThreadID == "" {
			task.ThreadID = threadID
		}
		if existing, ok := s.tasksByID[task.ID]; ok && newerThan(existing.UpdatedAt, task.UpdatedAt) {
			task = existing
		}
		s.tasksByID[task.ID] = task
		ids = append(ids, task.ID)
		if task.ThreadID != "" {
			s.tasksByThread[task.ThreadID] = appendUnique(s.tasksByThread[task.ThreadID], task.ID)
		}
	}
	s.taskIDsByPlan[plan.ID] = ids

	plan.Tasks = nil
	s.plansByID[plan.ID] = plan
	if threadID == "" {
		threadID = plan.ThreadID
	}
	if threadID != "" {
		s.planIDByThread[threadID] = plan.ID
	}
	if plan.RoomID != "" {
		s.planIDsByRoom[plan.RoomID] = appendUnique(s.planIDsByRoom[plan.RoomID], plan.ID)
	}
	tx.maybeCompletePlan(plan.ID)
}

// SetPlans replaces the plan list for a room.
func (tx *Txn) SetPlans(roomID string, plans []Plan) {
	s := tx.s
	ids := make([]string, 0, len(plans))
	for _, plan := range plans {
		if plan.RoomID == "" {
			plan.RoomID = roomID
		}
		tx.SetPlan(plan, "")
		ids = append(ids, plan.ID)
	}
	s.planIDsByRoom[roomID] = ids
}

// RemovePlan drops a plan and detaches its tasks.
func (tx *Txn) RemovePlan(planID string) {
	s := tx.s
	plan, ok := s.plansByID[planID]
	if !ok {
		return
	}
	for _, taskID := range s.taskIDsByPlan[planID] {
		if task, ok := s.tasksByID[taskID]; ok && task.PlanID == planID {
			task.PlanID = ""
			s.tasksByID[taskID] = task
		}
	}
	delete(s.taskIDsByPlan, planID)
	delete(s.plansByID, planID)
	for threadID, id := range s.planIDByThread {
		if id == planID {
			delete(s.planIDByThread, threadID)
		}
	}
	if plan.RoomID != "" {
		s.planIDsByRoom[plan.RoomID] = removeID(s.planIDsByRoom[plan.RoomID], planID)
	}
	if s.completedPlanID == planID {
		s.completedPlanID = ""
	}
}

// ClearTasks scopes to one thread, or resets the whole task slice when
// threadID is empty.
func (tx *Txn) ClearTasks(threadID string) {
	s := tx.s
	if threadID == "" {
		s.tasksByID = make(map[string]Task)
		s.tasksByThread = make(map[string][]string)
		s.plansByID = make(map[string]Plan)
		s.taskIDsByPlan = make(map[string][]string)
		s.planIDByThread = make(map[string]string)
		s.planIDsByRoom = make(map[string][]string)
		s.tasksLoading = make(map[string]bool)
		s.tasksErrors = make(map[string]string)
		s.tasksInitialized = make(map[string]bool)
		s.tasksExpanded = make(map[string]bool)
		s.threadExpanded = make(map[string]bool)
		s.completedPlanID = ""
		return
	}
	for _, taskID := range s.tasksByThread[threadID] {
		delete(s.tasksByID, taskID)
		for planID, ids := range s.taskIDsByPlan {
			s.taskIDsByPlan[planID] = removeID(ids, taskID)
		}
	}
	delete(s.tasksByThread, threadID)
	delete(s.tasksLoading, threadID)
	delete(s.tasksErrors, threadID)
	delete(s.tasksInitialized, threadID)
	delete(s.tasksExpanded, threadID)
	delete(s.threadExpanded, threadID)
}

// StartTasksLoading flags a thread's task fetch as in flight.
func (tx *Txn) StartTasksLoading(threadID string) {
	tx.s.tasksLoading[threadID] = true
	delete(tx.s.tasksErrors, threadID)
}

// SetTasksError records a failed task fetch.
func (tx *Txn) SetTasksError(threadID, message string) {
	tx.s.tasksLoading[threadID] = false
	tx.s.tasksErrors[threadID] = message
}

// SetTasksExpanded toggles the per-thread task list expansion flag.
func (tx *Txn) SetTasksExpanded(threadID string, expanded bool) {
	tx.s.tasksExpanded[threadID] = expanded
}

// SetThreadExpanded toggles the per-thread panel expansion flag.
func (tx *Txn) SetThreadExpanded(threadID string, expanded bool) {
	tx.s.threadExpanded[threadID] = expanded
}

// SetPlanCompleted raises the plan-completed event.
func (tx *Txn) SetPlanCompleted(planID string) {
	tx.s.completedPlanID = planID
}

// ClearPlanCompleted acknowledges the plan-completed event.
func (tx *Txn) ClearPlanCompleted() {
	tx.s.completedPlanID = ""
}

// maybeCompletePlan raises the plan-completed event when every task of a
// non-empty plan has a completed status.
func (tx *Txn) maybeCompletePlan(planID string) {
	s := tx.s
	ids := s.taskIDsByPlan[planID]
	if len(ids) == 0 {
		return
	}
	for _, taskID := range ids {
		task, ok := s.tasksByID[taskID]
		if !ok || !IsCompletedStatus(task.Status) {
			return
		}
	}
	s.completedPlanID = planID
}

// Store-level wrappers: each commits one single-action batch.

func (s *Store) SetTasks(threadID string, tasks []Task) {
	s.Batch(func(tx *Txn) { tx.SetTasks(threadID, tasks) })
}

func (s *Store) AddTask(threadID string, task Task) {
	s.Batch(func(tx *Txn) { tx.AddTask(threadID, task) })
}

func (s *Store) UpdateTask(threadID, taskID string, patch TaskPatch) {
	s.Batch(func(tx *Txn) { tx.UpdateTask(threadID, taskID, patch) })
}

func (s *Store) RemoveTask(threadID, taskID string) {
	s.Batch(func(tx *Txn) { tx.RemoveTask(threadID, taskID) })
}

func (s *Store) SetPlan(plan Plan, threadID string) {
	s.Batch(func(tx *Txn) { tx.SetPlan(plan, threadID) })
}

func (s *Store) SetPlans(roomID string, plans []Plan) {
	s.Batch(func(tx *Txn) { tx.SetPlans(roomID, plans) })
}

func (s *Store) RemovePlan(planID string) {
	s.Batch(func(tx *Txn) { tx.RemovePlan(planID) })
}

func (s *Store) ClearTasks(threadID string) {
	s.Batch(func(tx *Txn) { tx.ClearTasks(threadID) })
}

func (s *Store) StartTasksLoading(threadID string) {
	s.Batch(func(tx *Txn) { tx.StartTasksLoading(threadID) })
}

func (s *Store) SetTasksError(threadID, message string) {
	s.Batch(func(tx *Txn) { tx.SetTasksError(threadID, message) })
}

func (s *Store) SetTasksExpanded(threadID string, expanded bool) {
	s.Batch(func(tx *Txn) { tx.SetTasksExpanded(threadID, expanded) })
}

func (s *Store) SetThreadExpanded(threadID string, expanded bool) {
	s.Batch(func(tx *Txn) { tx.SetThreadExpanded(threadID, expanded) })
}

func (s *Store) ClearPlanCompleted() {
	s.Batch(func(tx *Txn) { tx.ClearPlanCompleted() })
}

// Reads.

// TaskByID returns a task by id.
func (s *Store) TaskByID(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasksByID[taskID]
	return task, ok
}

// TasksByThread returns the thread's tasks in index order.
func (s *Store) TasksByThread(threadID string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.tasksByThread[threadID]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := s.tasksByID[id]; ok {
			out = append(out, task)
		}
	}
	return out
}

// PlanByID returns a plan without its tasks populated.
func (s *Store) PlanByID(planID string) (Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plansByID[planID]
	return plan, ok
}

// TaskIDsByPlan returns a copy of the plan's task id list.
func (s *Store) TaskIDsByPlan(planID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.taskIDsByPlan[planID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// PlanIDByThread returns the plan currently attached to a thread.
func (s *Store) PlanIDByThread(threadID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.planIDByThread[threadID]
	return id, ok
}

// PlanIDsByRoom returns a copy of the room's plan id list.
func (s *Store) PlanIDsByRoom(roomID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.planIDsByRoom[roomID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// TasksLoading reports whether a thread's task fetch is in flight.
func (s *Store) TasksLoading(threadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasksLoading[threadID]
}

// TasksError returns the last fetch error for a thread, if any.
func (s *Store) TasksError(threadID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.tasksErrors[threadID]
	return msg, ok
}

// TasksInitialized reports whether a thread has received its first snapshot.
func (s *Store) TasksInitialized(threadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasksInitialized[threadID]
}

// TasksExpanded returns the per-thread task list expansion flag.
func (s *Store) TasksExpanded(threadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasksExpanded[threadID]
}

// ThreadExpanded returns the per-thread panel expansion flag.
func (s *Store) ThreadExpanded(threadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadExpanded[threadID]
}

// PlanCompleted returns the pending plan-completed event, if any.
func (s *Store) PlanCompleted() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completedPlanID, s.completedPlanID != ""
}
