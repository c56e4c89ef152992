// Package retention trims settled lifecycle records from the in-memory
// store and old rows from the journal on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/streamsync/internal/journal"
	"github.com/basket/streamsync/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the sweeper's dependencies.
type Config struct {
	Store   *store.Store
	Journal *journal.Journal // may be nil when journaling is off
	Logger  *slog.Logger

	// CronExpr gates sweep timing, e.g. "*/5 * * * *".
	CronExpr string
	// MaxAge is how long settled activation and response records stay in
	// the store after their last update.
	MaxAge time.Duration
	// JournalMaxAge is how long journal rows are kept.
	JournalMaxAge time.Duration

	Now func() time.Time // test clock; defaults to time.Now
}

// Sweeper runs retention sweeps at cron boundaries.
type Sweeper struct {
	store         *store.Store
	journal       *journal.Journal
	logger        *slog.Logger
	schedule      cronlib.Schedule
	maxAge        time.Duration
	journalMaxAge time.Duration
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. The cron expression is validated here so a
// bad config fails at startup, not at the first sweep.
func NewSweeper(cfg Config) (*Sweeper, error) {
	schedule, err := cronParser.Parse(cfg.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse retention cron %q: %w", cfg.CronExpr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	journalMaxAge := cfg.JournalMaxAge
	if journalMaxAge <= 0 {
		journalMaxAge = 24 * time.Hour
	}
	return &Sweeper{
		store:         cfg.Store,
		journal:       cfg.Journal,
		logger:        logger,
		schedule:      schedule,
		maxAge:        maxAge,
		journalMaxAge: journalMaxAge,
		now:           now,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "max_age", s.maxAge, "journal_max_age", s.journalMaxAge)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	cutoff := now.Add(-s.maxAge)

	activations := s.store.CleanupActivations(cutoff)
	responses := s.store.CleanupResponses(cutoff)
	if activations > 0 || responses > 0 {
		s.logger.Info("retention sweep",
			"activations_removed", activations,
			"responses_removed", responses,
		)
	}

	if s.journal == nil {
		return
	}
	removed, err := s.journal.DeleteBefore(ctx, now.Add(-s.journalMaxAge))
	if err != nil {
		s.logger.Error("retention: journal trim failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("retention journal trim", "rows_removed", removed)
	}
}

// NextSweepTime returns the next cron boundary after the given time.
func (s *Sweeper) NextSweepTime(after time.Time) time.Time {
	return s.schedule.Next(after)
}
