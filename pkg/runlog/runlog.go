// Package runlog persists one record per supervised run in SQLite so the
// captured output of a worker survives the process that produced it.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codehook/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// timeLayout is how timestamps are stored; it sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one persisted execution.
type Run struct {
	ID             string
	Repository     string
	EntityType     protocol.EntityType
	EntityNumber   int
	Actor          string
	State          protocol.RunState
	ExitCode       int
	Tier           protocol.Tier
	Servers        []string
	WorkingBranch  string
	BranchDegraded bool
	Reason         string
	Output         string
	Diagnostics    string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Duration is how long the run took.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ListOpts filters List.
type ListOpts struct {
	// Repository restricts results to one "owner/name".
	Repository string

	// State restricts results to one terminal state.
	State protocol.RunState

	// Limit caps the number of rows (0 = no limit).
	Limit int
}

// Store is the run log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run log at path with WAL journaling
// and a busy timeout, and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create run log dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init run log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database. Safe to call multiple times.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Record inserts run, replacing any earlier record with the same id.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("record run: id is required")
	}
	servers, err := json.Marshal(nonNil(run.Servers))
	if err != nil {
		return fmt.Errorf("encode servers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, repository, entity_type, entity_number, actor, state, exit_code,
			tier, servers, working_branch, branch_degraded, reason, output,
			diagnostics, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Repository, string(run.EntityType), run.EntityNumber, run.Actor,
		string(run.State), run.ExitCode, string(run.Tier), string(servers),
		run.WorkingBranch, run.BranchDegraded, run.Reason, run.Output,
		run.Diagnostics, formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, repository, entity_type, entity_number, actor, state,
	exit_code, tier, servers, working_branch, branch_degraded, reason, output,
	diagnostics, started_at, finished_at FROM runs`

// Get returns the run with id, or ErrNotFound. A unique id prefix is
// accepted.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	if id == "" {
		return Run{}, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE substr(id, 1, ?) = ? ORDER BY id = ? DESC, id LIMIT 2`,
		len(id), id, id)
	if err != nil {
		return Run{}, fmt.Errorf("query run %s: %w", id, err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return Run{}, err
	}
	switch {
	case len(runs) == 0:
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case runs[0].ID == id || len(runs) == 1:
		return runs[0], nil
	default:
		return Run{}, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}

// List returns runs matching opts, newest first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]Run, error) {
	query, args := buildQuery(opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return scanRuns(rows)
}

func buildQuery(opts ListOpts) (string, []any) {
	var conditions []string
	var args []any

	if opts.Repository != "" {
		conditions = append(conditions, "repository = ?")
		args = append(args, opts.Repository)
	}
	if opts.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(opts.State))
	}

	query := selectColumns
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			entityType, state string
			tier, servers     string
			started, finished string
		)
		err := rows.Scan(
			&r.ID, &r.Repository, &entityType, &r.EntityNumber, &r.Actor, &state,
			&r.ExitCode, &tier, &servers, &r.WorkingBranch, &r.BranchDegraded,
			&r.Reason, &r.Output, &r.Diagnostics, &started, &finished,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.EntityType = protocol.EntityType(entityType)
		r.State = protocol.RunState(state)
		r.Tier = protocol.Tier(tier)
		if err := json.Unmarshal([]byte(servers), &r.Servers); err != nil {
			return nil, fmt.Errorf("decode servers for run %s: %w", r.ID, err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parse started_at for run %s: %w", r.ID, err)
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("parse finished_at for run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DefaultPath returns the default run log location under the user's home.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, protocol.StateDir, "runs.db")
}
