// Package ledger keeps a SQLite history of document generation runs.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"docforge/internal/logging"
)

// Entry is one terminal run.
type Entry struct {
	ID             string
	StartedAt      time.Time
	Duration       time.Duration
	UserID         string
	ConversationID string
	Format         string
	DisplayName    string
	SessionID      string
	Outcome        string
	ArtifactName   string
	ErrorKind      string
	Diagnostic     string
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID         string
	ConversationID string
	Outcome        string
	Limit          int
}

// Ledger is the run history store.
type Ledger struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database is per connection.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, path: path}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Ledger("run ledger open at %s", path)
	return l, nil
}

func (l *Ledger) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL, -- unix nanoseconds
		duration_ms INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		format TEXT,
		display_name TEXT,
		session_id TEXT,
		outcome TEXT NOT NULL,
		artifact_name TEXT,
		error_kind TEXT,
		diagnostic TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, conversation_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	return nil
}

// Path returns the database path.
func (l *Ledger) Path() string { return l.path }

// Record appends e. Re-recording an id replaces the earlier row.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("ledger: entry has no id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, started_at, duration_ms, user_id, conversation_id, format, display_name,
			 session_id, outcome, artifact_name, error_kind, diagnostic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StartedAt.UnixNano(), e.Duration.Milliseconds(),
		e.UserID, e.ConversationID, e.Format, e.DisplayName,
		e.SessionID, e.Outcome, e.ArtifactName, e.ErrorKind, e.Diagnostic)
	if err != nil {
		logging.LedgerWarn("failed to record run %s: %v", e.ID, err)
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// List returns matching entries, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}

	query := `SELECT id, started_at, duration_ms, user_id, conversation_id, format, display_name,
		session_id, outcome, artifact_name, error_kind, diagnostic FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			started int64
			ms      int64
		)
		if err := rows.Scan(&e.ID, &started, &ms, &e.UserID, &e.ConversationID, &e.Format, &e.DisplayName,
			&e.SessionID, &e.Outcome, &e.ArtifactName, &e.ErrorKind, &e.Diagnostic); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		e.StartedAt = time.Unix(0, started).UTC()
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates the runs matching a filter.
type Stats struct {
	Total         int
	ByOutcome     map[string]int
	ByErrorKind   map[string]int
	ByFormat      map[string]int
	TotalDuration time.Duration
}

// Stats returns aggregate counts over the runs matching f. f.Limit is ignored.
func (l *Ledger) Stats(ctx context.Context, f Filter) (Stats, error) {
	f.Limit = 0
	entries, err := l.List(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		ByOutcome:   make(map[string]int),
		ByErrorKind: make(map[string]int),
		ByFormat:    make(map[string]int),
	}
	for _, e := range entries {
		st.Total++
		st.ByOutcome[e.Outcome]++
		st.ByFormat[e.Format]++
		if e.ErrorKind != "" {
			st.ByErrorKind[e.ErrorKind]++
		}
		st.TotalDuration += e.Duration
	}
	return st, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
