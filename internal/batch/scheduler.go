package batch

import (
	"sync"
	"time"
)

// Scheduler arms and cancels the deferred flush. The production
// implementation is a frame-interval timer; tests drive flushes manually.
type Scheduler interface {
	ScheduleFlush(fn func())
	CancelFlush()
}

// DefaultFrameInterval approximates one render frame.
const DefaultFrameInterval = 16 * time.Millisecond

// TimerScheduler fires the flush once per armed frame interval.
type TimerScheduler struct {
	interval time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewTimerScheduler creates a TimerScheduler. A non-positive interval uses
// DefaultFrameInterval.
func NewTimerScheduler(interval time.Duration) *TimerScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &TimerScheduler{interval: interval}
}

func (s *TimerScheduler) ScheduleFlush(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.interval, fn)
}

func (s *TimerScheduler) CancelFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ManualScheduler records the armed flush for tests to fire explicitly.
type ManualScheduler struct {
	mu sync.Mutex
	fn func()
}

func (s *ManualScheduler) ScheduleFlush(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *ManualScheduler) CancelFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = nil
}

// Fire invokes the armed flush, if any.
func (s *ManualScheduler) Fire() {
	s.mu.Lock()
	fn := s.fn
	s.fn = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Armed reports whether a flush is pending.
func (s *ManualScheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn != nil
}
