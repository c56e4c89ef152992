// Package batch implements a generic micro-batching engine. High-frequency
// events are queued per type and replayed through registered handlers in one
// flush per frame tick, bounding the downstream update rate to the frame
// rate instead of the event rate.
package batch

import (
	"log/slog"
	"sync"
)

// Handler receives every queued event of one type, in insertion order,
// within a single flush.
type Handler func(payloads []map[string]any)

// Batcher coalesces enqueued events and replays them per type on flush.
// A flush runs inside the wrap function supplied at construction, so
// observers see one combined change however many events were queued.
type Batcher struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	queues    map[string][]map[string]any
	typeOrder []string
	scheduled bool

	// replayMu is held across dequeue and replay. Payloads that left the
	// queue must commit before any later Flush returns, or an immediate
	// apply could land between a frame tick's dequeue and its replay and
	// be overwritten by the stale batch.
	replayMu sync.Mutex

	scheduler Scheduler
	wrap      func(fn func())
	logger    *slog.Logger

	onEnqueue func()
	onFlush   func(coalesced int)
}

// Config holds the dependencies for a Batcher.
type Config struct {
	// Scheduler arms the per-frame flush. Required.
	Scheduler Scheduler
	// Wrap runs a flush as one atomic update. Defaults to plain invocation.
	Wrap   func(fn func())
	Logger *slog.Logger
	// OnEnqueue observes every queued event.
	OnEnqueue func()
	// OnFlush observes the number of events applied per flush.
	OnFlush func(coalesced int)
}

// New creates a Batcher.
func New(cfg Config) *Batcher {
	wrap := cfg.Wrap
	if wrap == nil {
		wrap = func(fn func()) { fn() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		handlers:  make(map[string]Handler),
		queues:    make(map[string][]map[string]any),
		scheduler: cfg.Scheduler,
		wrap:      wrap,
		logger:    logger,
		onEnqueue: cfg.OnEnqueue,
		onFlush:   cfg.OnFlush,
	}
}

// RegisterHandler binds the handler for one event type. One handler per
// type; a repeat registration replaces the previous one with a warning.
func (b *Batcher) RegisterHandler(eventType string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[eventType]; exists {
		b.logger.Warn("batch handler replaced", "event_type", eventType)
	}
	b.handlers[eventType] = fn
}

// Enqueue appends a payload to the per-type queue and arms exactly one
// flush if none is pending.
func (b *Batcher) Enqueue(eventType string, payload map[string]any) {
	b.mu.Lock()
	if _, ok := b.queues[eventType]; !ok {
		b.typeOrder = append(b.typeOrder, eventType)
	}
	b.queues[eventType] = append(b.queues[eventType], payload)
	armed := !b.scheduled
	b.scheduled = true
	b.mu.Unlock()

	if b.onEnqueue != nil {
		b.onEnqueue()
	}
	if armed {
		b.scheduler.ScheduleFlush(b.Flush)
	}
}

// Flush drains every queue through its handler, wrapped in one atomic
// update. Idempotent: a flush with nothing queued does nothing. Queues are
// cleared unconditionally; types with no registered handler log a warning
// and drop their events.
//
// Flush serializes with itself: a call that finds a frame-tick flush
// mid-replay blocks until that replay has committed, so callers applying
// a follow-up change immediately after Flush returns always land after
// every previously queued event.
func (b *Batcher) Flush() {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()

	b.mu.Lock()
	if b.scheduled {
		b.scheduled = false
		b.scheduler.CancelFlush()
	}
	if len(b.typeOrder) == 0 {
		b.mu.Unlock()
		return
	}
	queues := b.queues
	order := b.typeOrder
	handlers := make(map[string]Handler, len(order))
	for _, eventType := range order {
		handlers[eventType] = b.handlers[eventType]
	}
	b.queues = make(map[string][]map[string]any)
	b.typeOrder = nil
	b.mu.Unlock()

	coalesced := 0
	b.wrap(func() {
		for _, eventType := range order {
			payloads := queues[eventType]
			handler := handlers[eventType]
			if handler == nil {
				b.logger.Warn("no batch handler registered, events dropped",
					"event_type", eventType, "count", len(payloads))
				continue
			}
			handler(payloads)
			coalesced += len(payloads)
		}
	})
	if b.onFlush != nil {
		b.onFlush(coalesced)
	}
}

// Cancel discards all queued events without invoking handlers. Teardown path.
func (b *Batcher) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scheduled {
		b.scheduled = false
		b.scheduler.CancelFlush()
	}
	b.queues = make(map[string][]map[string]any)
	b.typeOrder = nil
}

// Pending returns the number of queued events. Test hook.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}
