// Package history records finished runs in an embedded sqlite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fleet-admin/internal/errors"
	"fleet-admin/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command TEXT,
	mode TEXT,
	hosts INTEGER,
	failed INTEGER,
	exit_code INTEGER,
	started_at TIMESTAMP,
	duration_ms INTEGER
);
CREATE TABLE IF NOT EXISTS host_results(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER REFERENCES runs(id) ON DELETE CASCADE,
	host TEXT,
	role TEXT,
	state TEXT,
	exit_code INTEGER,
	error_type TEXT,
	error_text TEXT,
	stdout TEXT,
	stderr TEXT,
	elevated INTEGER,
	auth_method TEXT,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_host_results_run ON host_results(run_id);
`

// Run is one stored invocation
type Run struct {
	ID         int64
	Command    string
	Mode       string
	Hosts      int
	Failed     int
	ExitCode   int
	StartedAt  time.Time
	DurationMs int64
	Results    []HostResult
}

// HostResult is one host's stored outcome
type HostResult struct {
	Host       string
	Role       string
	State      string
	ExitCode   int
	ErrorType  string
	ErrorText  string
	Stdout     string
	Stderr     string
	Elevated   bool
	AuthMethod string
	DurationMs int64
}

// Store persists run reports
type Store struct{ db *sql.DB }

// Open opens (creating if needed) the database at path. ":memory:" is
// accepted for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewSetupError(fmt.Sprintf("failed to open history database %s", path), err)
	}
	// a single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewSetupError(fmt.Sprintf("failed to initialize history database %s", path), err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

// Insert stores rep and its host results in one transaction and returns the
// run id.
func (s *Store) Insert(ctx context.Context, rep *report.RunReport) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	started := rep.Started
	if started.IsZero() {
		started = time.Now()
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO runs(command,mode,hosts,failed,exit_code,started_at,duration_ms)
        VALUES (?,?,?,?,?,?,?)`, rep.Command, rep.Mode, len(rep.Results), len(rep.Failures()), rep.ExitCode(), started.UTC(), rep.Duration.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, r := range rep.Results {
		if r == nil {
			continue
		}
		var errType, errText string
		if cause := r.Cause(); cause != nil {
			errType = errors.TypeOf(cause).String()
			errText = cause.Error()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO host_results(run_id,host,role,state,exit_code,error_type,error_text,stdout,stderr,elevated,auth_method,duration_ms)
            VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, id, r.Host.Name, string(r.Host.Role), r.State, r.ExitCode, errType, errText,
			strings.Join(r.Stdout, "\n"), strings.Join(r.Stderr, "\n"), r.Elevated, r.AuthMethod, r.Duration.Milliseconds()); err != nil {
			return 0, fmt.Errorf("failed to insert result for %s: %w", r.Host.Name, err)
		}
	}
	return id, tx.Commit()
}

// ListRecent returns the newest runs first, without host results
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,command,mode,hosts,failed,exit_code,started_at,duration_ms FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Command, &r.Mode, &r.Hosts, &r.Failed, &r.ExitCode, &r.StartedAt, &r.DurationMs); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// Get returns one run with its host results in declaration order
func (s *Store) Get(ctx context.Context, id int64) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `SELECT id,command,mode,hosts,failed,exit_code,started_at,duration_ms FROM runs WHERE id=?`, id).
		Scan(&r.ID, &r.Command, &r.Mode, &r.Hosts, &r.Failed, &r.ExitCode, &r.StartedAt, &r.DurationMs)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT host,role,state,exit_code,error_type,error_text,stdout,stderr,elevated,auth_method,duration_ms FROM host_results WHERE run_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h HostResult
		if err := rows.Scan(&h.Host, &h.Role, &h.State, &h.ExitCode, &h.ErrorType, &h.ErrorText, &h.Stdout, &h.Stderr, &h.Elevated, &h.AuthMethod, &h.DurationMs); err != nil {
			return nil, err
		}
		r.Results = append(r.Results, h)
	}
	return &r, rows.Err()
}

// Cleanup trims runs older than retentionDays and keeps at most maxRuns
func (s *Store) Cleanup(ctx context.Context, retentionDays, maxRuns int) error {
	if retentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if maxRuns > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id IN (SELECT id FROM runs ORDER BY id DESC LIMIT -1 OFFSET ?)`, maxRuns); err != nil {
			return err
		}
	}
	// foreign keys are off by default in sqlite
	_, err := s.db.ExecContext(ctx, `DELETE FROM host_results WHERE run_id NOT IN (SELECT id FROM runs)`)
	return err
}
