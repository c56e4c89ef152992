package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/streamsync/internal/events"
	"github.com/basket/streamsync/internal/journal"
	"github.com/basket/streamsync/internal/store"
)

func TestNewSweeperRejectsBadCron(t *testing.T) {
	_, err := NewSweeper(Config{
		Store:    store.New(nil),
		CronExpr: "not a cron",
	})
	if err == nil {
		t.Fatal("NewSweeper() = nil, want parse error")
	}
}

func TestNextSweepTimeFollowsCron(t *testing.T) {
	s, err := NewSweeper(Config{
		Store:    store.New(nil),
		CronExpr: "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("NewSweeper() = %v", err)
	}

	after := time.Date(2026, 8, 29, 10, 2, 30, 0, time.UTC)
	next := s.NextSweepTime(after)
	want := time.Date(2026, 8, 29, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextSweepTime() = %v, want %v", next, want)
	}
}

func TestSweepRemovesSettledOldRecords(t *testing.T) {
	st := store.New(nil)
	now := time.Now()

	old := now.Add(-10 * time.Minute).UTC().Format(time.RFC3339Nano)
	fresh := now.UTC().Format(time.RFC3339Nano)
	st.Batch(func(tx *store.Txn) {
		tx.AddActivationEvent("r-old", "th-1", "", "activation.acknowledged", nil, old)
		tx.CompleteActivation("r-old", "th-1", old)
		tx.AddActivationEvent("r-fresh", "th-1", "", "activation.acknowledged", nil, fresh)
		tx.CompleteActivation("r-fresh", "th-1", fresh)
	})

	s, err := NewSweeper(Config{
		Store:    st,
		CronExpr: "*/5 * * * *",
		MaxAge:   5 * time.Minute,
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSweeper() = %v", err)
	}

	s.Sweep(context.Background())

	if _, ok := st.ActivationRecordFor("r-old", "th-1"); ok {
		t.Fatal("old settled activation survived sweep")
	}
	if _, ok := st.ActivationRecordFor("r-fresh", "th-1"); !ok {
		t.Fatal("fresh activation swept")
	}
}

func TestSweepTrimsJournal(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open() = %v", err)
	}
	defer j.Close()

	if _, err := j.Append(ctx, events.Frame{
		Type: "AGENT_RESPONSE",
		Data: map[string]any{"agent_event": map[string]any{"event_name": "response.started", "response_id": "r-1"}},
	}); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	// A clock far in the future makes the row older than the journal limit.
	future := time.Now().Add(48 * time.Hour)
	s, err := NewSweeper(Config{
		Store:         store.New(nil),
		Journal:       j,
		CronExpr:      "*/5 * * * *",
		JournalMaxAge: 24 * time.Hour,
		Now:           func() time.Time { return future },
	})
	if err != nil {
		t.Fatalf("NewSweeper() = %v", err)
	}

	s.Sweep(ctx)

	count, err := j.Count(ctx)
	if err != nil {
		t.Fatalf("Count() = %v", err)
	}
	if count != 0 {
		t.Fatalf("Count() after sweep = %d, want 0", count)
	}
}

func TestStartStop(t *testing.T) {
	s, err := NewSweeper(Config{
		Store:    store.New(nil),
		CronExpr: "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("NewSweeper() = %v", err)
	}

	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
}
