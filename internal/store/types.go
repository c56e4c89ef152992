package store

import (
	"time"
)

// Task statuses as stored. Wire statuses normalize through statusMapping;
// anything unknown becomes StatusPending.
const (
	StatusPending   = "pending"
	StatusTodo      = "todo"
	StatusReady     = "ready"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusDone      = "done"
)

var statusMapping = map[string]string{
	"pending":     StatusPending,
	"todo":        StatusTodo,
	"ready":       StatusReady,
	"running":     StatusRunning,
	"in_progress": StatusRunning,
	"active":      StatusRunning,
	"completed":   StatusCompleted,
	"done":        StatusDone,
	"finished":    StatusDone,
}

// statusPriority orders tasks for display: running first, completed last.
var statusPriority = map[string]int{
	StatusRunning:   1,
	StatusReady:     2,
	StatusTodo:      3,
	StatusPending:   3,
	StatusCompleted: 4,
	StatusDone:      4,
}

const unmappedPriority = 999

// completedStatuses is the fixed set counted as done by progress selectors.
var completedStatuses = map[string]bool{
	StatusCompleted: true,
	StatusDone:      true,
}

// NormalizeStatus maps a wire status onto the stored vocabulary.
func NormalizeStatus(raw string) string {
	if s, ok := statusMapping[raw]; ok {
		return s
	}
	return StatusPending
}

// StatusPriority returns the sort rank for a stored status.
func StatusPriority(status string) int {
	if p, ok := statusPriority[status]; ok {
		return p
	}
	return unmappedPriority
}

// IsCompletedStatus reports whether the status counts toward plan progress.
func IsCompletedStatus(status string) bool {
	return completedStatuses[status]
}

// Task is a unit of agent work, standalone (thread only) or part of a plan.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	PlanID      string `json:"plan_id,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	Order       *int   `json:"order,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	FinishedAt  string `json:"finished_at,omitempty"`
}

// OrderValue returns the display order, missing orders sorting last.
func (t Task) OrderValue() int {
	if t.Order == nil {
		return 999
	}
	return *t.Order
}

// TaskPatch is a partial task update; nil fields are left untouched.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Status      *string `json:"status,omitempty"`
	Description *string `json:"description,omitempty"`
	PlanID      *string `json:"plan_id,omitempty"`
	Order       *int    `json:"order,omitempty"`
	UpdatedAt   *string `json:"updated_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
}

// Plan groups tasks within a room. Tasks is populated only at the read
// boundary; the write side keeps taskIDsByPlan instead.
type Plan struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	IsApproved bool   `json:"is_approved"`
	RoomID     string `json:"room_id,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	Tasks      []Task `json:"tasks,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// Message is one chat entry, possibly still streaming.
type Message struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"thread_id"`
	MemberID     string         `json:"member_id,omitempty"`
	Text         string         `json:"text"`
	IsStreaming  bool           `json:"is_streaming"`
	ResponseID   string         `json:"response_id,omitempty"`
	DateCreation string         `json:"date_creation,omitempty"`
	MetaData     map[string]any `json:"meta_data,omitempty"`
}

// MessagePart is an incremental, independently ordered fragment of a
// streamed reply.
type MessagePart struct {
	ID          string         `json:"id"`
	MessageID   string         `json:"message_id"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Type        string         `json:"type"`
	Order       int            `json:"order"`
	BlockOrder  int            `json:"block_order"`
	IsDone      bool           `json:"is_done"`
	IsStreaming bool           `json:"is_streaming"`
	Text        string         `json:"text,omitempty"`
	Name        string         `json:"name,omitempty"`
	Arguments   string         `json:"arguments,omitempty"`
	Status      string         `json:"status,omitempty"`
	MetaData    map[string]any `json:"meta_data,omitempty"`
}

// mergePart applies the keys present in a wire payload onto a part.
// Absent keys leave existing values untouched.
func mergePart(p *MessagePart, payload map[string]any) {
	if v, ok := stringField(payload, "id"); ok {
		p.ID = v
	}
	if v, ok := stringField(payload, "message_id"); ok {
		p.MessageID = v
	}
	if v, ok := stringField(payload, "thread_id"); ok {
		p.ThreadID = v
	}
	if v, ok := stringField(payload, "type"); ok {
		p.Type = v
	}
	if v, ok := intField(payload, "order"); ok {
		p.Order = v
	}
	if v, ok := intField(payload, "block_order"); ok {
		p.BlockOrder = v
	}
	if v, ok := boolField(payload, "is_done"); ok {
		p.IsDone = v
	}
	if v, ok := boolField(payload, "is_streaming"); ok {
		p.IsStreaming = v
	}
	if v, ok := stringField(payload, "text"); ok {
		p.Text = v
	}
	if v, ok := stringField(payload, "name"); ok {
		p.Name = v
	}
	// Tool executions carry the authoritative name nested under
	// task_execution.tool.
	if execution, ok := payload["task_execution"].(map[string]any); ok {
		if tool, ok := execution["tool"].(map[string]any); ok {
			if v, ok := stringField(tool, "name"); ok {
				p.Name = v
			}
		}
	}
	if v, ok := stringField(payload, "arguments"); ok {
		p.Arguments = v
	}
	if v, ok := stringField(payload, "status"); ok {
		p.Status = v
	}
	if v, ok := payload["meta_data"].(map[string]any); ok {
		if p.MetaData == nil {
			p.MetaData = make(map[string]any, len(v))
		}
		for k, val := range v {
			p.MetaData[k] = val
		}
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func boolField(m map[string]any, key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// LifecycleEvent is one appended transition in a lifecycle history.
type LifecycleEvent struct {
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// ActivationRecord tracks the activation phase of one (response_id, thread_id)
// pair: the backend deciding whether an agent will respond.
type ActivationRecord struct {
	ResponseID  string           `json:"response_id"`
	ThreadID    string           `json:"thread_id"`
	AgentID     string           `json:"agent_id,omitempty"`
	Status      string           `json:"status"`
	Events      []LifecycleEvent `json:"events"`
	Completed   bool             `json:"completed"`
	Discarded   bool             `json:"discarded"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
	CompletedAt string           `json:"completed_at,omitempty"`
	DiscardedAt string           `json:"discarded_at,omitempty"`
}

// ResponseRecord tracks the response phase: an agent generating reply content.
type ResponseRecord struct {
	ResponseID  string           `json:"response_id"`
	ThreadID    string           `json:"thread_id"`
	MessageID   string           `json:"message_id,omitempty"`
	Status      string           `json:"status"`
	Events      []LifecycleEvent `json:"events"`
	Completed   bool             `json:"completed"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
	CompletedAt string           `json:"completed_at,omitempty"`
}

// newerThan reports whether timestamp a is strictly newer than b.
// RFC3339 parses take precedence; unparsable values fall back to string order.
func newerThan(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}
