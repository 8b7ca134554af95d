// ABOUTME: SQLite implementation of the Ledger interface using modernc.org/sqlite
// ABOUTME: Creates its schema on open and runs in WAL mode so the daemon and operators can share one file

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultListLimit caps list queries that pass no limit.
const DefaultListLimit = 100

// SQLiteStore implements Ledger using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Ledger = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the ledger at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Several processes write the same file.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite ledger initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operator_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			signature   TEXT NOT NULL,
			event       TEXT NOT NULL,
			pid         INTEGER NOT NULL DEFAULT 0,
			start_count INTEGER NOT NULL DEFAULT 0,
			detail      TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_operator_events_signature
			ON operator_events(signature, id);

		CREATE TABLE IF NOT EXISTS messages (
			uuid       TEXT PRIMARY KEY,
			signature  TEXT NOT NULL,
			agent      TEXT NOT NULL,
			method     TEXT NOT NULL,
			status     TEXT NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			trip_ms    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_signature_created
			ON messages(signature, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordEvent appends a supervisor event and fills in its ID.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev *OperatorEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operator_events (signature, event, pid, start_count, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.Signature,
		ev.Event,
		ev.PID,
		ev.StartCount,
		ev.Detail,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting operator event: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}

	s.logger.Debug("recorded operator event",
		"signature", ev.Signature,
		"event", ev.Event,
		"pid", ev.PID,
	)
	return nil
}

// ListEvents returns events newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]*OperatorEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, signature, event, pid, start_count, detail, created_at
		FROM operator_events
	`
	args := []any{}
	if f.Signature != "" {
		query += ` WHERE signature = ?`
		args = append(args, f.Signature)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying operator events: %w", err)
	}
	defer rows.Close()

	var events []*OperatorEvent
	for rows.Next() {
		var ev OperatorEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Signature, &ev.Event, &ev.PID, &ev.StartCount, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning operator event: %w", err)
		}
		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// RecordMessage stores the outcome of one message. A redelivered uuid
// overwrites its earlier record.
func (s *SQLiteStore) RecordMessage(ctx context.Context, rec *MessageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (uuid, signature, agent, method, status, note, trip_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			signature = excluded.signature,
			agent = excluded.agent,
			method = excluded.method,
			status = excluded.status,
			note = excluded.note,
			trip_ms = excluded.trip_ms,
			created_at = excluded.created_at
	`,
		rec.UUID,
		rec.Signature,
		rec.Agent,
		rec.Method,
		rec.Status,
		rec.Note,
		rec.TripTime.Milliseconds(),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent messages, optionally for one operator.
func (s *SQLiteStore) ListMessages(ctx context.Context, signature string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT uuid, signature, agent, method, status, note, trip_ms, created_at
		FROM messages
	`
	args := []any{}
	if signature != "" {
		query += ` WHERE signature = ?`
		args = append(args, signature)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetMessage returns the record for uuid or ErrNotFound.
func (s *SQLiteStore) GetMessage(ctx context.Context, uuid string) (*MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, signature, agent, method, status, note, trip_ms, created_at
		FROM messages WHERE uuid = ?
	`, uuid)

	rec, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*MessageRecord, error) {
	var rec MessageRecord
	var tripMS int64
	var createdAt string
	if err := sc.Scan(&rec.UUID, &rec.Signature, &rec.Agent, &rec.Method, &rec.Status, &rec.Note, &tripMS, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	rec.TripTime = time.Duration(tripMS) * time.Millisecond

	var err error
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}
