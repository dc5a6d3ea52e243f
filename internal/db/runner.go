package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const runnerColumns = `runner_id, env, capabilities, status, heartbeat_at, max_parallel`

// RegisterRunner finds or creates the runner for the given env label. An
// existing row has its capabilities and max_parallel refreshed; a missing
// one is created ONLINE.
func (s *Store) RegisterRunner(env string, capabilities []string, maxParallel int) (*Runner, error) {
	if maxParallel < 1 {
		maxParallel = 1
	}
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	existing, err := s.GetRunnerByEnv(env)
	switch {
	case err == nil:
		_, err = s.db.Exec(`UPDATE runners SET capabilities = ?, status = ?, heartbeat_at = ?, max_parallel = ?
			WHERE runner_id = ?`, string(caps), RunnerOnline, now, maxParallel, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("refresh runner: %w", err)
		}
		return s.GetRunner(existing.ID)
	case errors.Is(err, ErrNotFound):
		res, err := s.db.Exec(`INSERT INTO runners (env, capabilities, status, heartbeat_at, max_parallel)
			VALUES (?, ?, ?, ?, ?)`, env, string(caps), RunnerOnline, now, maxParallel)
		if err != nil {
			return nil, fmt.Errorf("insert runner: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("runner insert id: %w", err)
		}
		return s.GetRunner(id)
	default:
		return nil, err
	}
}

// GetRunner retrieves a runner by id.
func (s *Store) GetRunner(id int64) (*Runner, error) {
	row := s.db.QueryRow(`SELECT `+runnerColumns+` FROM runners WHERE runner_id = ?`, id)
	return scanRunner(row)
}

// GetRunnerByEnv retrieves a runner by its env label.
func (s *Store) GetRunnerByEnv(env string) (*Runner, error) {
	row := s.db.QueryRow(`SELECT `+runnerColumns+` FROM runners WHERE env = ?`, env)
	return scanRunner(row)
}

// ListRunners returns all runners ordered by id.
func (s *Store) ListRunners() ([]*Runner, error) {
	rows, err := s.db.Query(`SELECT ` + runnerColumns + ` FROM runners ORDER BY runner_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query runners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchRunner refreshes a runner's heartbeat and marks it ONLINE.
func (s *Store) TouchRunner(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE runners SET heartbeat_at = ?, status = ? WHERE runner_id = ?`,
		now, RunnerOnline, id)
	if err != nil {
		return fmt.Errorf("touch runner: %w", err)
	}
	return nil
}

// MarkStaleRunnersOffline flips runners whose heartbeat is older than the
// cutoff to OFFLINE. Returns the number of runners flipped.
func (s *Store) MarkStaleRunnersOffline(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE runners SET status = ? WHERE status = ? AND heartbeat_at < ?`,
		RunnerOffline, RunnerOnline, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("mark stale runners: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRunner(row rowScanner) (*Runner, error) {
	var r Runner
	var caps, heartbeat string
	err := row.Scan(&r.ID, &r.Env, &caps, &r.Status, &heartbeat, &r.MaxParallel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan runner: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &r.Capabilities); err != nil {
		return nil, fmt.Errorf("parse capabilities for runner %d: %w", r.ID, err)
	}
	r.HeartbeatAt = parseTime(heartbeat)
	return &r, nil
}
