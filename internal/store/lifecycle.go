package store

import "time"

// AddRunningResponse marks a response as in flight. Upsert: repeated
// started/scheduled events keep a single entry per response_id.
func (tx *Txn) AddRunningResponse(responseID, messageID string) {
	if responseID == "" {
		return
	}
	tx.s.runningResponses[responseID] = messageID
}

// DeleteRunningResponse removes the in-flight marker. Idempotent: terminal
// events after the first find nothing to remove.
func (tx *Txn) DeleteRunningResponse(responseID string) {
	delete(tx.s.runningResponses, responseID)
}

// AddActivationEvent appends one transition to an activation history,
// creating the record in the acknowledged state on first reference.
func (tx *Txn) AddActivationEvent(responseID, threadID, agentID, eventType string, data map[string]any, timestamp string) {
	s := tx.s
	key := recordKey(responseID, threadID)
	rec, ok := s.activations[key]
	if !ok {
		rec = ActivationRecord{
			ResponseID: responseID,
			ThreadID:   threadID,
			AgentID:    agentID,
			Status:     "acknowledged",
			CreatedAt:  timestamp,
		}
		s.activationsActive[threadID] = appendUnique(s.activationsActive[threadID], responseID)
	}
	if agentID != "" {
		rec.AgentID = agentID
	}
	rec.Events = append(rec.Events, LifecycleEvent{Type: eventType, Data: data, Timestamp: timestamp})
	rec.Status = trimEventPrefix(eventType, "activation.")
	rec.UpdatedAt = timestamp
	s.activations[key] = rec
}

// CompleteActivation settles an activation and drops it from the active index.
func (tx *Txn) CompleteActivation(responseID, threadID, timestamp string) {
	s := tx.s
	key := recordKey(responseID, threadID)
	rec, ok := s.activations[key]
	if !ok {
		return
	}
	rec.Completed = true
	rec.CompletedAt = timestamp
	rec.UpdatedAt = timestamp
	s.activations[key] = rec
	tx.removeActiveActivation(threadID, responseID)
}

// DiscardActivation terminates an activation with no response to follow.
func (tx *Txn) DiscardActivation(responseID, threadID, timestamp string) {
	s := tx.s
	key := recordKey(responseID, threadID)
	rec, ok := s.activations[key]
	if !ok {
		return
	}
	rec.Discarded = true
	rec.DiscardedAt = timestamp
	rec.UpdatedAt = timestamp
	s.activations[key] = rec
	tx.removeActiveActivation(threadID, responseID)
}

func (tx *Txn) removeActiveActivation(threadID, responseID string) {
	s := tx.s
	s.activationsActive[threadID] = removeID(s.activationsActive[threadID], responseID)
	if len(s.activationsActive[threadID]) == 0 {
		delete(s.activationsActive, threadID)
	}
}

// AddResponseEvent appends one transition to a response history, creating
// the record on first reference.
func (tx *Txn) AddResponseEvent(responseID, threadID, messageID, eventType string, data map[string]any, timestamp string) {
	s := tx.s
	key := recordKey(responseID, threadID)
	rec, ok := s.responses[key]
	if !ok {
		rec = ResponseRecord{
			ResponseID: responseID,
			ThreadID:   threadID,
			CreatedAt:  timestamp,
		}
		s.responsesActive[threadID] = appendUnique(s.responsesActive[threadID], responseID)
	}
	if messageID != "" {
		rec.MessageID = messageID
	}
	rec.Events = append(rec.Events, LifecycleEvent{Type: eventType, Data: data, Timestamp: timestamp})
	rec.Status = trimEventPrefix(eventType, "response.")
	rec.UpdatedAt = timestamp
	s.responses[key] = rec
}

// CompleteResponse settles a response with its terminal status.
func (tx *Txn) CompleteResponse(responseID, threadID, messageID, status, timestamp string) {
	s := tx.s
	key := recordKey(responseID, threadID)
	rec, ok := s.responses[key]
	if !ok {
		return
	}
	if messageID != "" {
		rec.MessageID = messageID
	}
	rec.Completed = true
	rec.Status = status
	rec.CompletedAt = timestamp
	rec.UpdatedAt = timestamp
	s.responses[key] = rec
	s.responsesActive[threadID] = removeID(s.responsesActive[threadID], responseID)
	if len(s.responsesActive[threadID]) == 0 {
		delete(s.responsesActive, threadID)
	}
}

// CleanupActivations removes settled activation records not touched since
// the cutoff. Returns the number removed.
func (tx *Txn) CleanupActivations(cutoff time.Time) int {
	s := tx.s
	removed := 0
	for key, rec := range s.activations {
		if !rec.Completed && !rec.Discarded {
			continue
		}
		if updatedBefore(rec.UpdatedAt, cutoff) {
			delete(s.activations, key)
			removed++
		}
	}
	return removed
}

// CleanupResponses removes settled response records not touched since the
// cutoff. Returns the number removed.
func (tx *Txn) CleanupResponses(cutoff time.Time) int {
	s := tx.s
	removed := 0
	for key, rec := range s.responses {
		if !rec.Completed {
			continue
		}
		if updatedBefore(rec.UpdatedAt, cutoff) {
			delete(s.responses, key)
			removed++
		}
	}
	return removed
}

func updatedBefore(timestamp string, cutoff time.Time) bool {
	t, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		// Unparsable stamps never block cleanup of settled records.
		return true
	}
	return t.Before(cutoff)
}

func trimEventPrefix(eventType, prefix string) string {
	if len(eventType) > len(prefix) && eventType[:len(prefix)] == prefix {
		return eventType[len(prefix):]
	}
	return eventType
}

// Store-level wrappers.

func (s *Store) CleanupActivations(cutoff time.Time) int {
	var removed int
	s.Batch(func(tx *Txn) { removed = tx.CleanupActivations(cutoff) })
	return removed
}

func (s *Store) CleanupResponses(cutoff time.Time) int {
	var removed int
	s.Batch(func(tx *Txn) { removed = tx.CleanupResponses(cutoff) })
	return removed
}

// Reads.

// HasRunningResponse reports whether a response is in flight.
func (s *Store) HasRunningResponse(responseID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runningResponses[responseID]
	return ok
}

// RunningResponseCount returns the number of in-flight responses.
func (s *Store) RunningResponseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runningResponses)
}

// ActivationRecordFor returns an activation history by key pair.
func (s *Store) ActivationRecordFor(responseID, threadID string) (ActivationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.activations[recordKey(responseID, threadID)]
	return rec, ok
}

// ResponseRecordFor returns a response history by key pair.
func (s *Store) ResponseRecordFor(responseID, threadID string) (ResponseRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.responses[recordKey(responseID, threadID)]
	return rec, ok
}

// ActiveActivations returns response ids with unsettled activations for a thread.
func (s *Store) ActiveActivations(threadID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.activationsActive[threadID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// ActiveResponses returns response ids with unsettled responses for a thread.
func (s *Store) ActiveResponses(threadID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.responsesActive[threadID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
