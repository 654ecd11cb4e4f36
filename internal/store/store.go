// Package store persists jobs in a SQLite database. It is the single
// source of truth for job state: the supervisor and the CLI (listing,
// cross-process kill) both read it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrStateChanged = errors.New("job state changed")
)

const schema = `CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	tab_title TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL DEFAULT '',
	port TEXT NOT NULL DEFAULT '',
	protocol TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL DEFAULT 0,
	output_file TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	closed BOOLEAN NOT NULL DEFAULT false,
	pid INTEGER NOT NULL DEFAULT 0,
	slow BOOLEAN NOT NULL DEFAULT false,
	cancelled BOOLEAN NOT NULL DEFAULT false,
	killed BOOLEAN NOT NULL DEFAULT false
)`

const columns = `id, name, tab_title, target, port, protocol, command, start_time, end_time,
	output_file, state, output, closed, pid, slow, cancelled, killed`

// Jobs is a JobStore backed by SQLite.
type Jobs struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates when missing) the job database at path. A
// database locked by another sweeper process is retried with
// exponential backoff.
func Open(ctx context.Context, path string) (*Jobs, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	// sqlite serializes writers, a single connection avoids SQLITE_BUSY
	// between our own goroutines
	db.SetMaxOpenConns(1)

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5),
		ctx,
	)
	err = backoff.Retry(func() error {
		_, err := db.ExecContext(ctx, schema)
		if err != nil && !busy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing job store: %w", err)
	}
	return &Jobs{db: db, now: time.Now}, nil
}

func busy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// WithClock replaces the time source used for start and end times.
func (s *Jobs) WithClock(now func() time.Time) *Jobs {
	s.now = now
	return s
}

func (s *Jobs) Close() error {
	return s.db.Close()
}

// Create persists a new job in Waiting state and returns its id. Ids are
// never reused.
func (s *Jobs) Create(ctx context.Context, job model.Job) (int64, error) {
	if job.StartTime.IsZero() {
		job.StartTime = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, tab_title, target, port, protocol, command, start_time, output_file, state, slow)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		job.Name, job.TabTitle, job.Target, job.Port, job.Protocol, job.Command,
		job.StartTime.UnixNano(), job.OutputFile, model.JobWaiting, job.Slow,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetching inserted id failed: %w", err)
	}
	return id, nil
}

// Transition moves job id from one state to another. The update is a
// check-and-set: when the job is no longer in from, ErrStateChanged is
// returned and nothing changes. Entering a terminal state records the
// end time.
func (s *Jobs) Transition(ctx context.Context, id int64, from, to model.JobState) error {
	if err := from.ValidateTransition(to); err != nil {
		return err
	}

	var end int64
	if to.Terminal() {
		end = s.now().UnixNano()
	}
	set := `state = ?, end_time = ?`
	switch to {
	case model.JobCancelled:
		set += `, cancelled = true`
	case model.JobKilled:
		set += `, killed = true`
	}

	return s.update(ctx, id, from,
		`UPDATE jobs SET `+set+` WHERE id = ? AND state = ?`,
		to, end, id, from,
	)
}

// update runs a conditional statement and explains a miss
func (s *Jobs) update(ctx context.Context, id int64, from model.JobState, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(ctx context.Context, id int64) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.Int64("job_id", id))
		}
	}(ctx, id)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		return fmt.Errorf("%w: job %d is %s, expected %s", ErrStateChanged, id, current, from)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// MarkKilled flags a Running job as killed. The flag is what tells the
// completion handler to record Killed instead of Crashed, and what a
// supervisor in another process checks.
func (s *Jobs) MarkKilled(ctx context.Context, id int64) error {
	return s.update(ctx, id, model.JobRunning,
		`UPDATE jobs SET killed = true WHERE id = ? AND state = ?`,
		id, model.JobRunning,
	)
}

func (s *Jobs) SetPID(ctx context.Context, id int64, pid int) error {
	return s.exec(ctx, `UPDATE jobs SET pid = ? WHERE id = ?`, pid, id)
}

// AppendOutput appends a chunk of the merged stdout/stderr stream.
func (s *Jobs) AppendOutput(ctx context.Context, id int64, chunk string) error {
	if chunk == "" {
		return nil
	}
	return s.exec(ctx, `UPDATE jobs SET output = output || ? WHERE id = ?`, chunk, id)
}

// SetClosed hides a job from the active view.
func (s *Jobs) SetClosed(ctx context.Context, id int64) error {
	return s.exec(ctx, `UPDATE jobs SET closed = true WHERE id = ?`, id)
}

// DismissInactive closes every job that is neither Waiting nor Running
// and returns how many were closed.
func (s *Jobs) DismissInactive(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET closed = true WHERE closed = false AND state NOT IN (?, ?)`,
		model.JobWaiting, model.JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql update failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *Jobs) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Jobs) State(ctx context.Context, id int64) (model.JobState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrNotFound
	case err != nil:
		return "", fmt.Errorf("executing sql query failed: %w", err)
	}
	return model.ParseJobState(state)
}

func (s *Jobs) IsCancelled(ctx context.Context, id int64) (bool, error) {
	return s.flag(ctx, id, "cancelled")
}

func (s *Jobs) IsKilled(ctx context.Context, id int64) (bool, error) {
	return s.flag(ctx, id, "killed")
}

func (s *Jobs) flag(ctx context.Context, id int64, column string) (bool, error) {
	var ret bool
	err := s.db.QueryRowContext(ctx, `SELECT `+column+` FROM jobs WHERE id = ?`, id).Scan(&ret)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, ErrNotFound
	case err != nil:
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}
	return ret, nil
}

// Get returns job id, or ErrNotFound.
func (s *Jobs) Get(ctx context.Context, id int64) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	job, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Job{}, ErrNotFound
	case err != nil:
		return model.Job{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return job, nil
}

// List returns all jobs ordered by id.
func (s *Jobs) List(ctx context.Context) ([]model.Job, error) {
	return s.query(ctx, `SELECT `+columns+` FROM jobs ORDER BY id`)
}

// ListActive returns jobs in Waiting or Running state ordered by id.
func (s *Jobs) ListActive(ctx context.Context) ([]model.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM jobs WHERE state IN (?, ?) ORDER BY id`,
		model.JobWaiting, model.JobRunning,
	)
}

func (s *Jobs) query(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []model.Job
	for rows.Next() {
		job, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row failed: %w", err)
		}
		ret = append(ret, job)
	}
	return ret, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (model.Job, error) {
	var (
		job        model.Job
		start, end int64
		state      string
	)
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.TabTitle,
		&job.Target,
		&job.Port,
		&job.Protocol,
		&job.Command,
		&start,
		&end,
		&job.OutputFile,
		&state,
		&job.Output,
		&job.Closed,
		&job.PID,
		&job.Slow,
		&job.Cancelled,
		&job.Killed,
	)
	if err != nil {
		return model.Job{}, err
	}
	job.StartTime = time.Unix(0, start)
	if end != 0 {
		job.EndTime = time.Unix(0, end)
	}
	job.State, err = model.ParseJobState(state)
	return job, err
}
