package db

import (
	"database/sql"
	"errors"
	"fmt"
)

const workspaceColumns = `workspace_id, path, display_name, workspace_type,
	host, port, ssh_user, container_name, login_shell, runner_id, concurrency_limit`

// CreateWorkspace inserts a workspace. Path uniqueness is enforced by the
// schema.
func (s *Store) CreateWorkspace(w *Workspace) error {
	if w.ConcurrencyLimit < 1 {
		w.ConcurrencyLimit = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO workspaces (path, display_name, workspace_type, host, port,
			ssh_user, container_name, login_shell, runner_id, concurrency_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.Path, w.DisplayName, w.Kind, nullStr(w.Host), nullInt(w.Port),
		nullStr(w.SSHUser), nullStr(w.ContainerName), nullStr(w.LoginShell),
		w.RunnerID, w.ConcurrencyLimit)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	w.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("workspace insert id: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace by id.
func (s *Store) GetWorkspace(id int64) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT `+workspaceColumns+` FROM workspaces WHERE workspace_id = ?`, id)
	return scanWorkspace(row)
}

// ListWorkspaces returns all workspaces ordered by id.
func (s *Store) ListWorkspaces() ([]*Workspace, error) {
	rows, err := s.db.Query(`SELECT ` + workspaceColumns + ` FROM workspaces ORDER BY workspace_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWorkspaceConcurrencyLimit updates a single workspace's limit.
func (s *Store) SetWorkspaceConcurrencyLimit(id int64, limit int) error {
	if limit < 1 {
		limit = 1
	}
	_, err := s.db.Exec(`UPDATE workspaces SET concurrency_limit = ? WHERE workspace_id = ?`, limit, id)
	if err != nil {
		return fmt.Errorf("set concurrency limit: %w", err)
	}
	return nil
}

// SetAllConcurrencyLimits applies the limit to every workspace and the
// max_parallel of every runner, used when the app-level setting changes.
func (s *Store) SetAllConcurrencyLimits(limit int) error {
	if limit < 1 {
		limit = 1
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin limits update: %w", err)
	}
	if _, err := tx.Exec(`UPDATE workspaces SET concurrency_limit = ?`, limit); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update workspace limits: %w", err)
	}
	if _, err := tx.Exec(`UPDATE runners SET max_parallel = ?`, limit); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update runner limits: %w", err)
	}
	return tx.Commit()
}

// DeleteWorkspace removes a workspace. Fails if tasks still reference it.
func (s *Store) DeleteWorkspace(id int64) error {
	_, err := s.db.Exec(`DELETE FROM workspaces WHERE workspace_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var w Workspace
	var host, sshUser, container, loginShell sql.NullString
	var port sql.NullInt64

	err := row.Scan(&w.ID, &w.Path, &w.DisplayName, &w.Kind,
		&host, &port, &sshUser, &container, &loginShell, &w.RunnerID, &w.ConcurrencyLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	w.Host = host.String
	w.Port = int(port.Int64)
	w.SSHUser = sshUser.String
	w.ContainerName = container.String
	w.LoginShell = loginShell.String
	return &w, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
