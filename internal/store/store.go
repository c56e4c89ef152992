// Package store holds the normalized entity tables fed by the WebSocket
// pipeline and the REST task service. Entities are stored once by id and
// referenced elsewhere by id; every mutation goes through the reducer
// surface on Txn, and every committed batch bumps a version counter that
// the selector layer keys its memoization on.
package store

import (
	"log/slog"
	"sync"
)

// Store is the process-wide normalized store. Created once at startup,
// reset on logout. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	version  uint64
	logger   *slog.Logger
	onCommit func()

	// Task slice.
	tasksByID      map[string]Task
	tasksByThread  map[string][]string
	plansByID      map[string]Plan
	taskIDsByPlan  map[string][]string
	planIDByThread map[string]string
	planIDsByRoom  map[string][]string

	tasksLoading     map[string]bool
	tasksErrors      map[string]string
	tasksInitialized map[string]bool
	tasksExpanded    map[string]bool
	threadExpanded   map[string]bool
	completedPlanID  string

	// Message slice.
	messagesByID       map[string]Message
	messageIDsByThread map[string][]string
	partsByID          map[string]MessagePart
	partIDsByMessage   map[string][]string

	// Lifecycle slice.
	runningResponses  map[string]string // response_id -> message_id
	activations       map[string]ActivationRecord
	activationsActive map[string][]string // thread_id -> response_ids
	responses         map[string]ResponseRecord
	responsesActive   map[string][]string
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
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
	s.messagesByID = make(map[string]Message)
	s.messageIDsByThread = make(map[string][]string)
	s.partsByID = make(map[string]MessagePart)
	s.partIDsByMessage = make(map[string][]string)
	s.runningResponses = make(map[string]string)
	s.activations = make(map[string]ActivationRecord)
	s.activationsActive = make(map[string][]string)
	s.responses = make(map[string]ResponseRecord)
	s.responsesActive = make(map[string][]string)
}

// Reset drops all state. Logout path.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.version++
}

// Version returns the commit counter. It changes exactly once per committed
// batch, however many reducer actions the batch contained.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Txn exposes the reducer surface within one atomic update.
type Txn struct {
	s *Store
}

// SetOnCommit registers an observer invoked once per committed batch,
// outside the store lock. Wired to metrics at startup.
func (s *Store) SetOnCommit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = fn
}

// Batch runs fn against the reducer surface as a single atomic update.
// Observers see one combined change: the version bumps once on commit.
func (s *Store) Batch(fn func(tx *Txn)) {
	s.mu.Lock()
	fn(&Txn{s: s})
	s.version++
	onCommit := s.onCommit
	s.mu.Unlock()
	if onCommit != nil {
		onCommit()
	}
}

// recordKey joins a (response_id, thread_id) pair into a map key.
func recordKey(responseID, threadID string) string {
	return responseID + "|" + threadID
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
