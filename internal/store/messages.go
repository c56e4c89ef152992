package store

import (
	"sort"
	"strings"
)

// AddMessage upserts a message. An existing entry keeps its streamed text
// unless the incoming snapshot carries text of its own.
func (tx *Txn) AddMessage(msg Message) {
	s := tx.s
	existing, ok := s.messagesByID[msg.ID]
	if !ok {
		s.messagesByID[msg.ID] = msg
		if msg.ThreadID != "" {
			s.messageIDsByThread[msg.ThreadID] = appendUnique(s.messageIDsByThread[msg.ThreadID], msg.ID)
		}
		return
	}
	if msg.Text != "" {
		existing.Text = msg.Text
	}
	if msg.MemberID != "" {
		existing.MemberID = msg.MemberID
	}
	if msg.ResponseID != "" {
		existing.ResponseID = msg.ResponseID
	}
	if msg.DateCreation != "" {
		existing.DateCreation = msg.DateCreation
	}
	existing.IsStreaming = msg.IsStreaming
	if msg.MetaData != nil {
		if existing.MetaData == nil {
			existing.MetaData = make(map[string]any, len(msg.MetaData))
		}
		for k, v := range msg.MetaData {
			existing.MetaData[k] = v
		}
	}
	s.messagesByID[msg.ID] = existing
}

// SetMessageStreaming flips the streaming flag on a message.
func (tx *Txn) SetMessageStreaming(messageID string, streaming bool) {
	s := tx.s
	msg, ok := s.messagesByID[messageID]
	if !ok {
		return
	}
	msg.IsStreaming = streaming
	s.messagesByID[messageID] = msg
}

// MergeMessageMeta folds keys into a message's meta_data, creating the
// message if an event references it before its snapshot arrives.
func (tx *Txn) MergeMessageMeta(messageID string, meta map[string]any) {
	s := tx.s
	msg, ok := s.messagesByID[messageID]
	if !ok {
		msg = Message{ID: messageID}
	}
	if msg.MetaData == nil {
		msg.MetaData = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		msg.MetaData[k] = v
	}
	s.messagesByID[messageID] = msg
}

// AddPart applies a message_part.added payload immediately.
func (tx *Txn) AddPart(payload map[string]any) {
	tx.applyPart(payload, false)
}

// UpdateParts replays coalesced message_part.updated payloads in insertion
// order within the surrounding batch.
func (tx *Txn) UpdateParts(payloads []map[string]any) {
	for _, payload := range payloads {
		tx.applyPart(payload, false)
	}
}

// MarkPartDone applies a message_part.completed payload and settles the part.
func (tx *Txn) MarkPartDone(payload map[string]any) {
	tx.applyPart(payload, true)
}

func (tx *Txn) applyPart(payload map[string]any, done bool) {
	s := tx.s
	id, ok := stringField(payload, "id")
	if !ok || id == "" {
		s.logger.Warn("message part payload missing id, dropped")
		return
	}
	tx.sanitizePartPayload(payload)
	part, existed := s.partsByID[id]
	mergePart(&part, payload)
	if done {
		part.IsDone = true
		part.IsStreaming = false
	}
	s.partsByID[id] = part
	if part.MessageID != "" {
		s.partIDsByMessage[part.MessageID] = appendUnique(s.partIDsByMessage[part.MessageID], id)
	}
	_, orderChanged := payload["order"]
	_, blockChanged := payload["block_order"]
	if !existed || orderChanged || blockChanged {
		tx.resortParts(part.MessageID)
	}
}

// eventKeywords are lifecycle verbs the backend occasionally leaks into
// name fields in place of the real tool name.
var eventKeywords = map[string]bool{
	"updated": true, "update": true,
	"added": true, "add": true,
	"completed": true, "complete": true,
	"deleted": true, "delete": true,
	"created": true, "create": true,
	"removed": true, "remove": true,
	"started": true, "start": true,
	"finished": true, "finish": true,
	"failed": true, "fail": true,
}

// isInvalidToolName reports whether a name field holds pollution rather
// than a tool name: a lifecycle keyword, or too short to be a real name.
// Empty is valid (the field is simply absent).
func isInvalidToolName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	if eventKeywords[n] {
		return true
	}
	return len(n) < 3
}

// sanitizePartPayload drops polluted name fields before the payload merges
// into the part, so a leaked event verb never overwrites a previously
// streamed tool name. Checked at the top level, under task_execution.tool,
// and under meta_data.
func (tx *Txn) sanitizePartPayload(payload map[string]any) {
	if name, ok := payload["name"].(string); ok && isInvalidToolName(name) {
		tx.s.logger.Warn("invalid tool name dropped from part payload", "name", name)
		delete(payload, "name")
	}
	if execution, ok := payload["task_execution"].(map[string]any); ok {
		if tool, ok := execution["tool"].(map[string]any); ok {
			if name, ok := tool["name"].(string); ok && isInvalidToolName(name) {
				tx.s.logger.Warn("invalid tool name dropped from task_execution", "name", name)
				delete(tool, "name")
			}
		}
	}
	if meta, ok := payload["meta_data"].(map[string]any); ok {
		if name, ok := meta["name"].(string); ok && isInvalidToolName(name) {
			tx.s.logger.Warn("invalid tool name dropped from part meta_data", "name", name)
			delete(meta, "name")
		}
	}
}

// PutPart upserts an already-shaped part, such as the deterministic error
// part written on response failure.
func (tx *Txn) PutPart(part MessagePart) {
	s := tx.s
	s.partsByID[part.ID] = part
	if part.MessageID != "" {
		s.partIDsByMessage[part.MessageID] = appendUnique(s.partIDsByMessage[part.MessageID], part.ID)
		tx.resortParts(part.MessageID)
	}
}

// DeletePart removes a part and its index entry.
func (tx *Txn) DeletePart(partID string) {
	s := tx.s
	part, ok := s.partsByID[partID]
	if !ok {
		return
	}
	delete(s.partsByID, partID)
	if part.MessageID != "" {
		s.partIDsByMessage[part.MessageID] = removeID(s.partIDsByMessage[part.MessageID], partID)
		if len(s.partIDsByMessage[part.MessageID]) == 0 {
			delete(s.partIDsByMessage, part.MessageID)
		}
	}
}

func (tx *Txn) resortParts(messageID string) {
	s := tx.s
	ids := s.partIDsByMessage[messageID]
	if len(ids) < 2 {
		return
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := s.partsByID[ids[i]], s.partsByID[ids[j]]
		if a.BlockOrder != b.BlockOrder {
			return a.BlockOrder < b.BlockOrder
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return ids[i] < ids[j]
	})
}

// Store-level wrappers.

func (s *Store) AddMessage(msg Message) {
	s.Batch(func(tx *Txn) { tx.AddMessage(msg) })
}

func (s *Store) SetMessageStreaming(messageID string, streaming bool) {
	s.Batch(func(tx *Txn) { tx.SetMessageStreaming(messageID, streaming) })
}

func (s *Store) AddPart(payload map[string]any) {
	s.Batch(func(tx *Txn) { tx.AddPart(payload) })
}

func (s *Store) DeletePart(partID string) {
	s.Batch(func(tx *Txn) { tx.DeletePart(partID) })
}

// Reads.

// MessageByID returns a message by id.
func (s *Store) MessageByID(messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messagesByID[messageID]
	return msg, ok
}

// MessagesByThread returns the thread's messages in arrival order.
func (s *Store) MessagesByThread(threadID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.messageIDsByThread[threadID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messagesByID[id]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// PartByID returns a message part by id.
func (s *Store) PartByID(partID string) (MessagePart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part, ok := s.partsByID[partID]
	return part, ok
}

// PartsByMessage returns a message's parts in display order.
func (s *Store) PartsByMessage(messageID string) []MessagePart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.partIDsByMessage[messageID]
	out := make([]MessagePart, 0, len(ids))
	for _, id := range ids {
		if part, ok := s.partsByID[id]; ok {
			out = append(out, part)
		}
	}
	return out
}
