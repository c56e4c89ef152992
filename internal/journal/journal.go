// Package journal persists the raw agent event stream to SQLite so a
// restarted client can inspect what arrived before the crash. The journal
// is append-only; the retention sweeper trims old rows.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/streamsync/internal/events"
)

const (
	schemaVersion  = 1
	schemaChecksum = "ss-v1-2026-07-03-agent-events"
)

// Entry is one journaled agent event.
type Entry struct {
	Seq        int64     `json:"seq"`
	EventName  string    `json:"event_name"`
	ResponseID string    `json:"response_id,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// Journal is the SQLite-backed event log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("journal schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_name TEXT NOT NULL,
			response_id TEXT,
			thread_id TEXT,
			message_id TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_events_response ON agent_events(response_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_events_created ON agent_events(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

// Append journals one frame. The stored name is the resolved dotted event
// name, not the outer wrapper type.
func (j *Journal) Append(ctx context.Context, f events.Frame) (int64, error) {
	payload := "{}"
	if data := f.EventData(); len(data) > 0 {
		encoded, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("encode journal payload: %w", err)
		}
		payload = string(encoded)
	}

	res, err := j.db.ExecContext(ctx, `
		INSERT INTO agent_events (event_name, response_id, thread_id, message_id, payload, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
	`, f.EventName(), f.DataString("response_id"), f.DataString("thread_id"), f.DataString("message_id"), payload)
	if err != nil {
		return 0, fmt.Errorf("insert agent event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal last insert id: %w", err)
	}
	return seq, nil
}

// EventsFrom returns entries with seq strictly greater than fromSeq, oldest
// first.
func (j *Journal) EventsFrom(ctx context.Context, fromSeq int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, event_name, COALESCE(response_id, ''), COALESCE(thread_id, ''), COALESCE(message_id, ''), payload, created_at
		FROM agent_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.EventName, &e.ResponseID, &e.ThreadID, &e.MessageID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent event rows: %w", err)
	}
	return out, nil
}

// EventsForResponse returns the journaled entries for one response, oldest
// first.
func (j *Journal) EventsForResponse(ctx context.Context, responseID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, event_name, COALESCE(response_id, ''), COALESCE(thread_id, ''), COALESCE(message_id, ''), payload, created_at
		FROM agent_events
		WHERE response_id = ?
		ORDER BY seq ASC
		LIMIT ?;
	`, responseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list response events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.EventName, &e.ResponseID, &e.ThreadID, &e.MessageID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("response event rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes entries older than cutoff and returns the number
// removed.
func (j *Journal) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM agent_events WHERE created_at < ?;
	`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("delete old agent events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows affected: %w", err)
	}
	return affected, nil
}

// Count returns the total number of journaled entries.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agent_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count agent events: %w", err)
	}
	return count, nil
}

// IsBusy reports whether err is a transient SQLite lock error. Callers may
// skip the write and count a failure instead of blocking the read loop.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
