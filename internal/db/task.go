package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const taskColumns = `id, title, prompt, prompt_history, workspace_id, backend, status,
	branch_name, worktree_path, model, permission_mode, run_id, created_at, updated_at`

// CreateTask inserts a new task in TODO state. The prompt history is
// initialized to contain the prompt.
func (s *Store) CreateTask(t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Status = StatusTodo
	if len(t.PromptHistory) == 0 {
		t.PromptHistory = []string{t.Prompt}
	}
	history, err := json.Marshal(t.PromptHistory)
	if err != nil {
		return fmt.Errorf("marshal prompt history: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO tasks (title, prompt, prompt_history, workspace_id, backend, status,
			branch_name, worktree_path, model, permission_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Title, t.Prompt, string(history), t.WorkspaceID, t.Backend, t.Status,
		t.BranchName, t.WorktreePath, t.Model, t.PermissionMode,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("task insert id: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id int64) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// SaveTask persists every mutable field of the task and bumps updated_at.
func (s *Store) SaveTask(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	history, err := json.Marshal(t.PromptHistory)
	if err != nil {
		return fmt.Errorf("marshal prompt history: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE tasks SET title = ?, prompt = ?, prompt_history = ?, backend = ?, status = ?,
			branch_name = ?, worktree_path = ?, model = ?, permission_mode = ?,
			run_id = ?, updated_at = ?
		WHERE id = ?
	`, t.Title, t.Prompt, string(history), t.Backend, t.Status,
		t.BranchName, t.WorktreePath, t.Model, t.PermissionMode,
		t.RunID, t.UpdatedAt.Format(time.RFC3339Nano), t.ID)
	if err != nil {
		return fmt.Errorf("save task %d: %w", t.ID, err)
	}
	return nil
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status      string
	WorkspaceID int64
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.WorkspaceID != 0 {
		conds = append(conds, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	return s.queryTasks(query, args...)
}

// ListTodoTasksFIFO returns TODO tasks oldest first, ties broken by id.
// This is the scheduler's admission order.
func (s *Store) ListTodoTasksFIFO() ([]*Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE status = ? ORDER BY created_at ASC, id ASC`, StatusTodo)
}

// ListTasksNotRunning returns every task outside RUNNING, used by the
// reconciler.
func (s *Store) ListTasksNotRunning() ([]*Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE status != ? ORDER BY id ASC`, StatusRunning)
}

// CountRunningInWorkspace counts RUNNING tasks in a workspace.
func (s *Store) CountRunningInWorkspace(workspaceID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE workspace_id = ? AND status = ?`,
		workspaceID, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running tasks: %w", err)
	}
	return n, nil
}

// CountRunningOnRunner counts RUNNING tasks across all of a runner's
// workspaces.
func (s *Store) CountRunningOnRunner(runnerID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tasks t
		JOIN workspaces w ON w.workspace_id = t.workspace_id
		WHERE w.runner_id = ? AND t.status = ?`,
		runnerID, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running on runner: %w", err)
	}
	return n, nil
}

// NextTaskNumber proposes the next per-workspace task index: max(id)+1 over
// the workspace's tasks (1 when the workspace has none).
func (s *Store) NextTaskNumber(workspaceID int64) (int64, error) {
	var maxID sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(id) FROM tasks WHERE workspace_id = ?`, workspaceID).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("next task number: %w", err)
	}
	if !maxID.Valid {
		return 1, nil
	}
	return maxID.Int64 + 1, nil
}

// DeleteTask removes a task and its runs. The caller is responsible for
// refusing deletion of RUNNING tasks and for on-disk cleanup.
func (s *Store) DeleteTask(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	// Clear the back-reference before the cascade so the runs delete does
	// not trip the tasks.run_id foreign key.
	if _, err := tx.Exec(`UPDATE tasks SET run_id = NULL WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear run reference: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE task_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete runs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

func (s *Store) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var history string
	var branch, worktree, model, permMode sql.NullString
	var runID sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Title, &t.Prompt, &history, &t.WorkspaceID, &t.Backend, &t.Status,
		&branch, &worktree, &model, &permMode, &runID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal([]byte(history), &t.PromptHistory); err != nil {
		return nil, fmt.Errorf("parse prompt history for task %d: %w", t.ID, err)
	}
	t.BranchName = branch.String
	t.WorktreePath = worktree.String
	t.Model = model.String
	t.PermissionMode = permMode.String
	if runID.Valid {
		t.RunID = &runID.Int64
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
