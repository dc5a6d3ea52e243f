package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = `run_id, task_id, runner_id, backend, started_at, ended_at,
	exit_code, error_class, log_blob, usage_json, tmux_session`

// CreateRun inserts a run with started_at = now.
func (s *Store) CreateRun(r *Run) error {
	r.StartedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO runs (task_id, runner_id, backend, started_at, tmux_session)
		VALUES (?, ?, ?, ?, ?)
	`, r.TaskID, r.RunnerID, r.Backend, r.StartedAt.Format(time.RFC3339Nano), nullStr(r.TmuxSession))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("run insert id: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(id int64) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	return scanRun(row)
}

// ListRunsForTask returns a task's runs, newest first.
func (s *Store) ListRunsForTask(taskID int64) ([]*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY run_id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FlushRunLog replaces the run's log blob with the full accumulated text.
// The flush is skipped (returning false) when the run has already ended, so
// a late flush can never clobber the final log.
func (s *Store) FlushRunLog(runID int64, log string) (bool, error) {
	res, err := s.db.Exec(`UPDATE runs SET log_blob = ? WHERE run_id = ? AND ended_at IS NULL`, log, runID)
	if err != nil {
		return false, fmt.Errorf("flush run log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EndRun persists a run's terminal state: ended_at, exit code, error class,
// final log, and any usage the adapter captured.
func (s *Store) EndRun(runID int64, exitCode int, errorClass, log, usageJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		UPDATE runs SET ended_at = ?, exit_code = ?, error_class = ?, log_blob = ?, usage_json = ?
		WHERE run_id = ?
	`, now, exitCode, nullStr(errorClass), log, nullStr(usageJSON), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// CancelRun marks a still-open run ended with the cancel exit code. The log
// and usage columns are left alone so bytes flushed before the cancel stay
// readable until the drive persists the final log.
func (s *Store) CancelRun(runID int64, exitCode int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		UPDATE runs SET ended_at = ?, exit_code = ?, error_class = ?
		WHERE run_id = ? AND ended_at IS NULL
	`, now, exitCode, ErrorClassUnknown, runID)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// ListEndedRunsWithUsage returns runs carrying usage data, used by the usage
// aggregation endpoint.
func (s *Store) ListEndedRunsWithUsage() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs
		WHERE ended_at IS NOT NULL AND usage_json IS NOT NULL ORDER BY run_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query runs with usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var startedAt string
	var endedAt, errorClass, usageJSON, tmux sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(&r.ID, &r.TaskID, &r.RunnerID, &r.Backend, &startedAt, &endedAt,
		&exitCode, &errorClass, &r.LogBlob, &usageJSON, &tmux)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		r.EndedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	r.ErrorClass = errorClass.String
	r.UsageJSON = usageJSON.String
	r.TmuxSession = tmux.String
	return &r, nil
}
