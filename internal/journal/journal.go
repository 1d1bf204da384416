// Package journal records subprocess runs and daemon lifecycle events in
// SQLite, so a test session or CLI invocation can be inspected afterwards.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/shellkit/shell"
)

// timeFormat is fixed width so created_at sorts as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Page size limits for List queries.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// Run is one recorded subprocess run.
type Run struct {
	ID         string        `json:"id"`
	Factory    string        `json:"factory"`
	Cmdline    []string      `json:"cmdline"`
	Cwd        string        `json:"cwd"`
	Returncode int           `json:"returncode"`
	Duration   time.Duration `json:"duration"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	TimedOut   bool          `json:"timed_out"`
	CreatedAt  time.Time     `json:"created_at"`
}

// DaemonEvent is one recorded daemon lifecycle transition.
type DaemonEvent struct {
	ID        string    `json:"id"`
	Factory   string    `json:"factory"`
	Kind      string    `json:"kind"`
	PID       int       `json:"pid,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter controls which rows List queries return.
type Filter struct {
	Factory string // optional: exact factory display name
	Limit   int    // default 50, max 500
}

// Repository defines the journal operations.
type Repository interface {
	RecordRun(ctx context.Context, run *Run) error
	RecordDaemonEvent(ctx context.Context, ev *DaemonEvent) error
	ListRuns(ctx context.Context, filter Filter) ([]Run, error)
	ListDaemonEvents(ctx context.Context, filter Filter) ([]DaemonEvent, error)
}

// SQLiteRepository stores the journal in the tables created by the
// migrations package.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a journal repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordRun inserts run. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = "run-" + uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	cmdline, err := json.Marshal(run.Cmdline)
	if err != nil {
		return fmt.Errorf("marshalling cmdline: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs (id, factory, cmdline, cwd, returncode, duration_ms, stdout, stderr, timed_out, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Factory, string(cmdline), run.Cwd, run.Returncode,
		run.Duration.Milliseconds(), run.Stdout, run.Stderr, run.TimedOut,
		run.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// RecordDaemonEvent inserts ev. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) RecordDaemonEvent(ctx context.Context, ev *DaemonEvent) error {
	if ev.ID == "" {
		ev.ID = "evt-" + uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO daemon_events (id, factory, kind, pid, attempt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Factory, ev.Kind, ev.PID, ev.Attempt,
		ev.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting daemon event: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, up to the filter limit, oldest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, filter Filter) ([]Run, error) {
	where, args := filter.where()
	query := "SELECT id, factory, cmdline, cwd, returncode, duration_ms, stdout, stderr, timed_out, created_at FROM runs " + //nolint:gosec // WHERE built from parameterised conditions
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var cmdline, createdAt string
		var durationMS int64
		if err := rows.Scan(&run.ID, &run.Factory, &cmdline, &run.Cwd, &run.Returncode,
			&durationMS, &run.Stdout, &run.Stderr, &run.TimedOut, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if err := json.Unmarshal([]byte(cmdline), &run.Cmdline); err != nil {
			return nil, fmt.Errorf("decoding cmdline of run %s: %w", run.ID, err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing run timestamp %q: %w", createdAt, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	slices.Reverse(runs)
	return runs, nil
}

// ListDaemonEvents returns the most recent daemon events, up to the
// filter limit, oldest first.
func (r *SQLiteRepository) ListDaemonEvents(ctx context.Context, filter Filter) ([]DaemonEvent, error) {
	where, args := filter.where()
	query := "SELECT id, factory, kind, pid, attempt, created_at FROM daemon_events " + //nolint:gosec // WHERE built from parameterised conditions
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying daemon events: %w", err)
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var ev DaemonEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Factory, &ev.Kind, &ev.PID, &ev.Attempt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning daemon event: %w", err)
		}
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing daemon event timestamp %q: %w", createdAt, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daemon events: %w", err)
	}
	slices.Reverse(events)
	return events, nil
}

func (f Filter) where() (string, []any) {
	var conditions []string
	var args []any
	if f.Factory != "" {
		conditions = append(conditions, "factory = ?")
		args = append(args, f.Factory)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultLimit
	case f.Limit > maxLimit:
		return maxLimit
	default:
		return f.Limit
	}
}

// Hook records factory events into a Repository.
type Hook struct {
	repo Repository
}

// NewHook returns a shell.Hook writing to repo.
func NewHook(repo Repository) *Hook {
	return &Hook{repo: repo}
}

var _ shell.Hook = (*Hook)(nil)

// Observe records completed and timed out runs as Run rows and every
// daemon event as a DaemonEvent row.
func (h *Hook) Observe(ctx context.Context, ev shell.Event) error {
	switch ev.Kind {
	case shell.EventRunCompleted, shell.EventRunTimedOut:
		run := &Run{
			Factory:   ev.Factory,
			Cmdline:   ev.Cmdline,
			Cwd:       ev.Cwd,
			Duration:  ev.Duration,
			TimedOut:  ev.Kind == shell.EventRunTimedOut,
			CreatedAt: ev.Time.UTC(),
		}
		if ev.Result != nil {
			run.Returncode = ev.Result.Returncode
			run.Stdout = string(ev.Result.Stdout)
			run.Stderr = string(ev.Result.Stderr)
			if run.Cmdline == nil {
				run.Cmdline = ev.Result.Cmdline
			}
		}
		if run.Cmdline == nil {
			run.Cmdline = []string{}
		}
		return h.repo.RecordRun(ctx, run)
	default:
		return h.repo.RecordDaemonEvent(ctx, &DaemonEvent{
			Factory:   ev.Factory,
			Kind:      string(ev.Kind),
			PID:       ev.PID,
			Attempt:   ev.Attempt,
			CreatedAt: ev.Time.UTC(),
		})
	}
}
