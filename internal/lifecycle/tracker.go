// Package lifecycle chains two per-(response_id, thread_id) state machines
// over the agent event stream: activation.* (the backend deciding whether an
// agent responds) and response.* (the agent generating content). Terminal
// events settle records exactly once and drive message-side effects, always
// flushing the part batcher first so coalesced updates never apply after
// the event that supersedes them.
package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/streamsync/internal/batch"
	"github.com/basket/streamsync/internal/bus"
	"github.com/basket/streamsync/internal/events"
	"github.com/basket/streamsync/internal/store"
)

// PartUpdatedEvent is the one event class that coalesces through the batcher.
const PartUpdatedEvent = "message_part.updated"

// Synthetic message shown when the backend rejects an activation for lack
// of credits.
const (
	creditsMessageID   = "credits-not-enough"
	creditsMemberID    = "system"
	creditsMessageText = "[no_credits](no_credits/no_credits)"
	errCodeNoCredits   = "not_enough_credits"
)

// terminalResponseEvents settle the response machine.
var terminalResponseEvents = map[string]bool{
	"response.completed":   true,
	"response.failed":      true,
	"response.empty":       true,
	"response.stopped":     true,
	"response.interrupted": true,
	"response.suspended":   true,
	"response.requeued":    true,
}

// Config holds the tracker's dependencies.
type Config struct {
	Store   *store.Store
	Batcher *batch.Batcher
	Bus     *bus.Bus
	Logger  *slog.Logger
	Now     func() time.Time // test clock; defaults to time.Now
}

// Tracker consumes activation.*, response.*, and message_part.* frames.
type Tracker struct {
	store   *store.Store
	batcher *batch.Batcher
	bus     *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Tracker and registers its coalesced-update handler on the
// batcher.
func New(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		store:   cfg.Store,
		batcher: cfg.Batcher,
		bus:     cfg.Bus,
		logger:  logger,
		now:     now,
	}
	t.batcher.RegisterHandler(PartUpdatedEvent, t.applyPartUpdates)
	return t
}

// Register installs the tracker on a router for the lifecycle namespaces.
func (t *Tracker) Register(r *events.Router) {
	r.RegisterPrefix("response", t.HandleAgentEvent)
	r.RegisterPrefix("activation", t.HandleAgentEvent)
	r.RegisterPrefix("message_part", t.HandleAgentEvent)
}

// HandleAgentEvent processes one lifecycle frame: history append, state
// transition, and message-side effects as a single atomic store update.
func (t *Tracker) HandleAgentEvent(f events.Frame) {
	data := f.EventData()
	name := f.EventName()

	ts := f.Timestamp
	if ts == "" {
		ts = t.now().UTC().Format(time.RFC3339Nano)
	}

	responseID := f.DataString("response_id")
	threadID := f.DataString("thread_id")
	messageID := f.DataString("message_id")

	switch {
	case hasPrefix(name, "activation."):
		t.handleActivation(name, responseID, threadID, f, data, ts)
	case hasPrefix(name, "response."):
		t.handleResponse(name, responseID, threadID, messageID, f, data, ts)
	case hasPrefix(name, "message_part."):
		t.handlePart(name, data)
	default:
		t.logger.Debug("unhandled agent event", "event_name", name)
	}
}

func (t *Tracker) handleActivation(name, responseID, threadID string, f events.Frame, data map[string]any, ts string) {
	agentID := f.DataString("agent_id")

	if responseID == "" {
		// Contract violation: history needs the key pair. Only the append
		// is skipped; the side channel below still runs.
		t.logger.Warn("activation event missing response_id, history skipped", "event_name", name)
	} else {
		t.store.Batch(func(tx *store.Txn) {
			tx.AddActivationEvent(responseID, threadID, agentID, name, data, ts)
			switch name {
			case "activation.scheduled", "activation.rescheduled":
				tx.CompleteActivation(responseID, threadID, ts)
			case "activation.discarded":
				tx.DiscardActivation(responseID, threadID, ts)
			}
		})
		switch name {
		case "activation.scheduled", "activation.rescheduled":
			t.bus.Publish(bus.TopicActivationCompleted, bus.ActivationEvent{
				ResponseID: responseID, ThreadID: threadID, Status: trimDot(name),
			})
		case "activation.discarded":
			t.bus.Publish(bus.TopicActivationDiscarded, bus.ActivationEvent{
				ResponseID: responseID, ThreadID: threadID, Status: "discarded",
			})
		}
	}

	if name == "activation.failed" {
		t.handleActivationFailed(threadID, f)
	}
}

// handleActivationFailed implements the credits side channel. Any other
// error_type is deliberately a silent no-op beyond the history append.
func (t *Tracker) handleActivationFailed(threadID string, f events.Frame) {
	errorType := f.DataString("error_type")
	if errorType == "" {
		errorType = f.DataString("error_code")
	}
	if errorType != errCodeNoCredits {
		return
	}

	t.bus.Publish(bus.TopicCreditsFinished, bus.CreditsFinishedEvent{
		ThreadID: threadID, ErrorType: errorType,
	})
	t.store.AddMessage(store.Message{
		ID:           creditsMessageID,
		ThreadID:     threadID,
		MemberID:     creditsMemberID,
		Text:         creditsMessageText,
		DateCreation: t.now().UTC().Format("2006-01-02T15:04:05.000000"),
	})
}

func (t *Tracker) handleResponse(name, responseID, threadID, messageID string, f events.Frame, data map[string]any, ts string) {
	terminal := terminalResponseEvents[name]
	skipHistory := responseID == ""
	if skipHistory {
		t.logger.Warn("response event missing response_id, history skipped", "event_name", name)
	}

	switch name {
	case "response.scheduled", "response.started":
		// Flush-before-apply: anything still queued belongs to an earlier
		// response and must land first.
		t.batcher.Flush()
		t.store.Batch(func(tx *store.Txn) {
			if !skipHistory {
				tx.AddResponseEvent(responseID, threadID, messageID, name, data, ts)
			}
			if messageID != "" {
				tx.AddMessage(store.Message{
					ID:          messageID,
					ThreadID:    threadID,
					MemberID:    f.DataString("room_member_id"),
					Text:        "",
					IsStreaming: true,
					ResponseID:  responseID,
				})
			}
			tx.AddRunningResponse(responseID, messageID)
		})
		return
	}

	if !terminal {
		if !skipHistory {
			t.store.Batch(func(tx *store.Txn) {
				tx.AddResponseEvent(responseID, threadID, messageID, name, data, ts)
			})
		}
		return
	}

	t.batcher.Flush()
	status := trimDot(name)
	t.store.Batch(func(tx *store.Txn) {
		if !skipHistory {
			tx.AddResponseEvent(responseID, threadID, messageID, name, data, ts)
			tx.CompleteResponse(responseID, threadID, messageID, status, ts)
		}
		tx.DeleteRunningResponse(responseID)
		if messageID != "" {
			tx.SetMessageStreaming(messageID, false)
		}
		switch name {
		case "response.empty":
			if messageID != "" {
				tx.MergeMessageMeta(messageID, map[string]any{"is_empty": true})
			}
		case "response.failed":
			if messageID != "" {
				envelope := errorEnvelope(f)
				tx.MergeMessageMeta(messageID, map[string]any{"error": envelope})
				tx.PutPart(errorPart(messageID, envelope))
			}
		}
	})

	t.bus.Publish(bus.TopicResponseCompleted, bus.ResponseCompletedEvent{
		ResponseID: responseID, ThreadID: threadID, MessageID: messageID, Status: status,
	})
}

func (t *Tracker) handlePart(name string, data map[string]any) {
	switch name {
	case "message_part.added":
		t.store.AddPart(data)
	case PartUpdatedEvent:
		t.batcher.Enqueue(PartUpdatedEvent, data)
	case "message_part.completed":
		t.batcher.Flush()
		t.store.Batch(func(tx *store.Txn) { tx.MarkPartDone(data) })
	case "message_part.deleted":
		t.batcher.Flush()
		if id, ok := data["id"].(string); ok && id != "" {
			t.store.DeletePart(id)
		} else {
			t.logger.Warn("message_part.deleted missing id, dropped")
		}
	default:
		t.logger.Debug("unhandled message part event", "event_name", name)
	}
}

// applyPartUpdates replays coalesced updated events in insertion order as
// one atomic store update.
func (t *Tracker) applyPartUpdates(payloads []map[string]any) {
	t.store.Batch(func(tx *store.Txn) {
		tx.UpdateParts(payloads)
	})
}

// errorEnvelope extracts the full error payload from a failed response.
func errorEnvelope(f events.Frame) map[string]any {
	envelope := map[string]any{}
	data := f.EventData()
	for _, key := range []string{"error_code", "error_message", "error_type", "failed_in", "retryable", "total_attempts"} {
		if v, ok := data[key]; ok {
			envelope[key] = v
		}
	}
	return envelope
}

// errorPart builds the deterministic error part: the id is derived from the
// message so a repeat failure replaces rather than duplicates it.
func errorPart(messageID string, envelope map[string]any) store.MessagePart {
	text, _ := envelope["error_message"].(string)
	return store.MessagePart{
		ID:        fmt.Sprintf("%s-error", messageID),
		MessageID: messageID,
		Type:      "error",
		Order:     999,
		IsDone:    true,
		Text:      text,
		MetaData:  envelope,
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func trimDot(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}
