package events

// Frame is one decoded inbound WebSocket frame. The backend mixes flat
// enum-like types (ack, TASK_EVENT) with dotted lifecycle namespaces
// (response.*, activation.*, message_part.*).
type Frame struct {
	Type      string         `json:"type"`
	Entity    string         `json:"entity,omitempty"`
	RepoName  string         `json:"repo_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// EventData unwraps the payload: some gateways nest the event under
// data.agent_event, others put it directly in data.
func (f Frame) EventData() map[string]any {
	if nested, ok := f.Data["agent_event"].(map[string]any); ok {
		return nested
	}
	return f.Data
}

// EventName returns the dotted event name from the payload, falling back
// to the frame type. Both event_name and the legacy event_type key count.
func (f Frame) EventName() string {
	data := f.EventData()
	if name, ok := data["event_name"].(string); ok && name != "" {
		return name
	}
	if name, ok := data["event_type"].(string); ok && name != "" {
		return name
	}
	return f.Type
}

// DataString returns a string field from the unwrapped payload.
func (f Frame) DataString(key string) string {
	v, _ := f.EventData()[key].(string)
	return v
}
