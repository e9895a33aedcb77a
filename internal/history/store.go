// Package history keeps a bounded log of executed commands and the
// process-wide execution counters derived from it.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is how many entries survive trimming.
const DefaultLimit = 1000

// Entry is one executed command.
type Entry struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	ExecutedAt time.Time `json:"executed_at"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
}

// Metrics summarises command execution. Counters are cumulative for the
// data directory and survive trimming; uptime is this process's.
type Metrics struct {
	UptimeSeconds    int64   `json:"uptime_seconds"`
	CommandsExecuted uint64  `json:"commands_executed"`
	ErrorsCount      uint64  `json:"errors_count"`
	ErrorRate        float64 `json:"error_rate"` // percent
	MemoryUsageMB    uint64  `json:"memory_usage_mb"`
}

// Store persists entries in the command_history table and trims it to the
// newest limit rows. Several processes may share one database.
type Store struct {
	db      *sql.DB
	limit   int
	started time.Time
	now     func() time.Time
}

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{db: db, limit: limit, started: time.Now(), now: time.Now}
}

// RecordCommand implements sandbox.Recorder.
func (s *Store) RecordCommand(ctx context.Context, command string, success bool, d time.Duration) error {
	return s.Record(ctx, Entry{
		Command:    command,
		Success:    success,
		DurationMS: d.Milliseconds(),
	})
}

// Record appends e, filling in the id and timestamp when unset, bumps the
// counters and drops entries beyond the limit.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO command_history (id, command, executed_at, success, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Command, e.ExecutedAt.UTC(), e.Success, e.DurationMS); err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	failed := 0
	if !e.Success {
		failed = 1
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE command_stats SET executed = executed + 1, errors = errors + ? WHERE id = 1`, failed); err != nil {
		return fmt.Errorf("update command stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM command_history WHERE id NOT IN (
			SELECT id FROM command_history ORDER BY executed_at DESC, rowid DESC LIMIT ?
		)`, s.limit); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first. n <= 0 means all kept
// entries.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 || n > s.limit {
		n = s.limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, executed_at, success, duration_ms FROM command_history
		ORDER BY executed_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Command, &e.ExecutedAt, &e.Success, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return entries, nil
}

// Metrics reports the execution counters.
func (s *Store) Metrics(ctx context.Context) (Metrics, error) {
	var executed, errs uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT executed, errors FROM command_stats WHERE id = 1`).Scan(&executed, &errs); err != nil {
		return Metrics{}, fmt.Errorf("read command stats: %w", err)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := Metrics{
		UptimeSeconds:    int64(s.now().Sub(s.started).Seconds()),
		CommandsExecuted: executed,
		ErrorsCount:      errs,
		MemoryUsageMB:    mem.Sys / (1 << 20),
	}
	if executed > 0 {
		m.ErrorRate = float64(errs) / float64(executed) * 100
	}
	return m, nil
}
