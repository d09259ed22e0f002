// Package history keeps a queryable record of every finished attempt so that
// operators can tell when a job last succeeded and why it was killed.
//
// Attempts are stored in SQLite by default. A DSN starting with postgres://
// or postgresql:// selects PostgreSQL instead, which lets several hosts share
// one history.
package history

import (
	stdcontext "context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Paintersrp/cheese/internal/engine"
	"github.com/Paintersrp/cheese/internal/metrics"
)

// ErrNoRuns is returned by LastSuccess when a job never succeeded.
var ErrNoRuns = errors.New("no successful run recorded")

// Attempt is one finished attempt of a job.
type Attempt struct {
	RunID      string        `json:"run_id"`
	Job        string        `json:"job"`
	Attempt    int           `json:"attempt"`
	Outcome    string        `json:"outcome"`
	ExitCode   int           `json:"exit_code"`
	Cause      string        `json:"cause,omitempty"`
	KilledAt   *time.Time    `json:"killed_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Message    string        `json:"msg,omitempty"`
}

// Store persists attempts in a SQL database.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	run_id TEXT NOT NULL,
	job TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	cause TEXT NOT NULL DEFAULT '',
	killed_at TIMESTAMP NULL,
	finished_at TIMESTAMP NOT NULL,
	duration_ms BIGINT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, attempt)
);
CREATE INDEX IF NOT EXISTS idx_attempts_job_finished ON attempts(job, finished_at);
`

// Open connects to dsn and creates the schema when missing.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("history: empty database location")
	}

	driver, source := "sqlite3", dsn
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	} else if !strings.Contains(dsn, "?") {
		source = dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// One writer avoids SQLITE_BUSY between concurrent recorders.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver names the database/sql driver in use.
func (s *Store) Driver() string {
	return s.driver
}

// Record stores one attempt. Recording the same run and attempt twice keeps
// the first row.
func (s *Store) Record(ctx stdcontext.Context, a Attempt) error {
	if a.Job == "" || a.RunID == "" {
		return errors.New("history: attempt needs a job and a run id")
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now()
	}

	var killedAt sql.NullTime
	if a.KilledAt != nil && !a.KilledAt.IsZero() {
		killedAt = sql.NullTime{Time: a.KilledAt.UTC(), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO attempts
		(run_id, job, attempt, outcome, exit_code, cause, killed_at, finished_at, duration_ms, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, attempt) DO NOTHING`),
		a.RunID, a.Job, a.Attempt, a.Outcome, a.ExitCode, a.Cause, killedAt,
		a.FinishedAt.UTC(), a.Duration.Milliseconds(), a.Message)
	if err != nil {
		return fmt.Errorf("history: record %s attempt %d: %w", a.Job, a.Attempt, err)
	}
	return nil
}

// RecordEvent stores the attempt ended by ev. Events that do not end an
// attempt are ignored.
func (s *Store) RecordEvent(ctx stdcontext.Context, ev engine.Event) error {
	a, ok := AttemptFromEvent(ev)
	if !ok {
		return nil
	}
	return s.Record(ctx, a)
}

// AttemptFromEvent converts an attempt-ending event into an Attempt.
func AttemptFromEvent(ev engine.Event) (Attempt, bool) {
	var outcome string
	switch ev.Type {
	case engine.EventTypeCompleted:
		outcome = metrics.OutcomeSuccess
	case engine.EventTypeKilled:
		outcome = metrics.OutcomeKilled
	case engine.EventTypeCrashed:
		outcome = metrics.OutcomeFailed
	default:
		return Attempt{}, false
	}

	a := Attempt{
		RunID:      ev.RunID,
		Job:        ev.Job,
		Attempt:    ev.Attempt,
		Outcome:    outcome,
		ExitCode:   ev.ExitCode,
		Cause:      ev.Cause,
		FinishedAt: ev.Timestamp,
		Duration:   ev.Duration,
		Message:    ev.Message,
	}
	if !ev.KilledAt.IsZero() {
		at := ev.KilledAt
		a.KilledAt = &at
	}
	return a, true
}

// Recent returns up to limit attempts, newest first. An empty job selects
// every job.
func (s *Store) Recent(ctx stdcontext.Context, job string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT run_id, job, attempt, outcome, exit_code, cause, killed_at, finished_at, duration_ms, message
		FROM attempts`
	args := []any{}
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY finished_at DESC, attempt DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	return attempts, nil
}

// LastSuccess returns the finish time of the newest successful attempt of job.
func (s *Store) LastSuccess(ctx stdcontext.Context, job string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT finished_at FROM attempts
		WHERE job = ? AND outcome = ?
		ORDER BY finished_at DESC LIMIT 1`), job, metrics.OutcomeSuccess)

	var at time.Time
	if err := row.Scan(&at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, fmt.Errorf("%s: %w", job, ErrNoRuns)
		}
		return time.Time{}, fmt.Errorf("history: last success: %w", err)
	}
	return at, nil
}

// Prune deletes attempts that finished before cutoff and reports how many
// rows were removed.
func (s *Store) Prune(ctx stdcontext.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM attempts WHERE finished_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (Attempt, error) {
	var (
		a          Attempt
		killedAt   sql.NullTime
		durationMS int64
	)
	if err := row.Scan(&a.RunID, &a.Job, &a.Attempt, &a.Outcome, &a.ExitCode, &a.Cause,
		&killedAt, &a.FinishedAt, &durationMS, &a.Message); err != nil {
		return Attempt{}, fmt.Errorf("history: scan: %w", err)
	}
	if killedAt.Valid {
		at := killedAt.Time
		a.KilledAt = &at
	}
	a.Duration = time.Duration(durationMS) * time.Millisecond
	return a, nil
}

// rebind rewrites ? placeholders into the $n form PostgreSQL expects.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
