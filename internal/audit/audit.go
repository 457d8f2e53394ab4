// Package audit persists a best-effort, append-only log of broker
// lifecycle events for after-the-fact inspection. It is never read back
// by the broker to reconstruct runtime state.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/user32121/DistributedComputing/internal/broker"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the event log table exists.
func (s *Store) InitSchema(ctx context.Context) error {
	const stmt = `CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		client_addr TEXT,
		task_id TEXT,
		subtask_id TEXT,
		detail TEXT,
		recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

// Record implements broker.Auditor. Failures are logged, not returned:
// the audit log is an observability convenience, not a path the broker's
// correctness depends on.
func (s *Store) Record(ctx context.Context, ev broker.Event) {
	var taskID, subtaskID string
	if ev.TaskID != (broker.TaskID{}) {
		taskID = ev.TaskID.String()
	}
	if ev.SubtaskID != (broker.SubtaskID{}) {
		subtaskID = ev.SubtaskID.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (kind, client_addr, task_id, subtask_id, detail) VALUES (?, ?, ?, ?, ?);`,
		string(ev.Kind), ev.ClientAddr, taskID, subtaskID, ev.Detail,
	)
	if err != nil {
		s.logger.Warn("audit record failed", "kind", ev.Kind, "error", err)
	}
}

// EventRow is one persisted lifecycle event, as returned by Recent.
type EventRow struct {
	Kind       string `json:"kind"`
	ClientAddr string `json:"client_addr,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	SubtaskID  string `json:"subtask_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

// Recent returns the most recently recorded events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, client_addr, task_id, subtask_id, detail, recorded_at
		 FROM lifecycle_events ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var clientAddr, taskID, subtaskID, detail sql.NullString
		if err := rows.Scan(&e.Kind, &clientAddr, &taskID, &subtaskID, &detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		e.ClientAddr = clientAddr.String
		e.TaskID = taskID.String
		e.SubtaskID = subtaskID.String
		e.Detail = detail.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle events: %w", err)
	}
	return events, nil
}
