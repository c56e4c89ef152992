package events

import (
	"encoding/json"
	"log/slog"

	"github.com/basket/streamsync/internal/store"
)

// StoreHandlers feed task, plan, message, and thread frames into the store.
type StoreHandlers struct {
	store  *store.Store
	logger *slog.Logger
}

// NewStoreHandlers creates the store-facing handler set.
func NewStoreHandlers(s *store.Store, logger *slog.Logger) *StoreHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreHandlers{store: s, logger: logger}
}

// Register installs the handlers on a router: exact TASK_EVENT plus the
// message, thread, task, and plan prefixes.
func (h *StoreHandlers) Register(r *Router) {
	r.RegisterExact("TASK_EVENT", h.HandleTask)
	r.RegisterPrefix("task", h.HandleTask)
	r.RegisterPrefix("plan", h.HandlePlan)
	r.RegisterPrefix("message", h.HandleMessage)
	r.RegisterPrefix("thread", h.HandleThread)
}

// HandleTask applies task.created/updated/deleted and legacy TASK_EVENT
// frames.
func (h *StoreHandlers) HandleTask(f Frame) {
	data := f.EventData()
	threadID := f.DataString("thread_id")
	switch f.EventName() {
	case "task.created", "TASK_EVENT":
		var task store.Task
		if !decodeInto(data, &task, h.logger, "task") {
			return
		}
		h.store.AddTask(threadID, task)
	case "task.updated":
		taskID := f.DataString("id")
		if taskID == "" {
			h.logger.Warn("task.updated frame missing id, dropped")
			return
		}
		var patch store.TaskPatch
		if !decodeInto(data, &patch, h.logger, "task patch") {
			return
		}
		h.store.UpdateTask(threadID, taskID, patch)
	case "task.deleted":
		taskID := f.DataString("id")
		if taskID == "" {
			h.logger.Warn("task.deleted frame missing id, dropped")
			return
		}
		h.store.RemoveTask(threadID, taskID)
	default:
		h.logger.Debug("unhandled task event", "event_name", f.EventName())
	}
}

// HandlePlan applies plan.created/updated/deleted frames. Created and
// updated share the snapshot path; embedded tasks merge last-write-wins.
func (h *StoreHandlers) HandlePlan(f Frame) {
	data := f.EventData()
	switch f.EventName() {
	case "plan.created", "plan.updated", "plan.approved":
		var plan store.Plan
		if !decodeInto(data, &plan, h.logger, "plan") {
			return
		}
		h.store.SetPlan(plan, f.DataString("thread_id"))
	case "plan.deleted":
		planID := f.DataString("id")
		if planID == "" {
			h.logger.Warn("plan.deleted frame missing id, dropped")
			return
		}
		h.store.RemovePlan(planID)
	default:
		h.logger.Debug("unhandled plan event", "event_name", f.EventName())
	}
}

// HandleMessage upserts message frames; updates merge into the existing
// entry.
func (h *StoreHandlers) HandleMessage(f Frame) {
	var msg store.Message
	if !decodeInto(f.EventData(), &msg, h.logger, "message") {
		return
	}
	if msg.ID == "" {
		h.logger.Warn("message frame missing id, dropped")
		return
	}
	h.store.AddMessage(msg)
}

// HandleThread reacts to thread teardown by clearing the thread's task
// slice.
func (h *StoreHandlers) HandleThread(f Frame) {
	if f.EventName() != "thread.deleted" {
		h.logger.Debug("unhandled thread event", "event_name", f.EventName())
		return
	}
	threadID := f.DataString("id")
	if threadID == "" {
		threadID = f.DataString("thread_id")
	}
	if threadID == "" {
		h.logger.Warn("thread.deleted frame missing id, dropped")
		return
	}
	h.store.ClearTasks(threadID)
}

// decodeInto re-marshals a payload map into a typed shape. Malformed
// payloads are logged and dropped, never fatal.
func decodeInto(data map[string]any, dst any, logger *slog.Logger, what string) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		logger.Warn("encode "+what+" payload failed, dropped", "error", err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.Warn("decode "+what+" payload failed, dropped", "error", err)
		return false
	}
	return true
}
