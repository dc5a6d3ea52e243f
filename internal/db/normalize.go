package db

import (
	"fmt"
	"log/slog"
	"strings"
)

// normalize runs the one-shot startup pass over databases created by earlier
// releases: legacy status literals are folded into FAILED, the tasks table's
// backend CHECK constraint is extended to cover newly supported backends, and
// columns added after the original schema are backfilled.
func (s *Store) normalize() error {
	res, err := s.db.Exec(`UPDATE tasks SET status = 'FAILED'
		WHERE status IN ('FAILED_QUOTA', 'CANCELLED')`)
	if err != nil {
		return fmt.Errorf("normalize legacy statuses: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("migrated tasks from legacy statuses to FAILED", "count", n)
	}

	for _, col := range []struct{ table, name, decl string }{
		{"tasks", "prompt_history", "TEXT NOT NULL DEFAULT '[]'"},
		{"tasks", "model", "TEXT"},
		{"tasks", "permission_mode", "TEXT"},
		{"workspaces", "login_shell", "TEXT"},
		{"runs", "usage_json", "TEXT"},
		{"runs", "tmux_session", "TEXT"},
	} {
		if err := s.ensureColumn(col.table, col.name, col.decl); err != nil {
			return err
		}
	}

	return s.extendBackendCheck()
}

// ensureColumn adds the column when an older database lacks it.
func (s *Store) ensureColumn(table, name, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return fmt.Errorf("scan column name: %w", err)
		}
		if col == name {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, name, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, name, err)
	}
	slog.Info("added missing column", "table", table, "column", name)
	return nil
}

// extendBackendCheck rebuilds the tasks table when its backend CHECK
// constraint predates a supported backend. SQLite cannot alter a CHECK in
// place, so the table is recreated and rows copied across.
func (s *Store) extendBackendCheck() error {
	var createSQL string
	err := s.db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'tasks'`).Scan(&createSQL)
	if err != nil {
		return fmt.Errorf("read tasks schema: %w", err)
	}

	missing := false
	for _, backend := range Backends {
		if !strings.Contains(createSQL, backend) {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin backend check rebuild: %w", err)
	}
	stmts := []string{
		`CREATE TABLE tasks_new (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			title           TEXT NOT NULL,
			prompt          TEXT NOT NULL,
			prompt_history  TEXT NOT NULL DEFAULT '[]',
			workspace_id    INTEGER NOT NULL REFERENCES workspaces (workspace_id),
			backend         TEXT NOT NULL CHECK (backend IN ('claude_code', 'codex_cli', 'copilot_cli')),
			status          TEXT NOT NULL DEFAULT 'TODO' CHECK (status IN ('TODO', 'RUNNING', 'TO_BE_REVIEW', 'DONE', 'FAILED')),
			branch_name     TEXT,
			worktree_path   TEXT,
			model           TEXT,
			permission_mode TEXT,
			run_id          INTEGER REFERENCES runs (run_id),
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`INSERT INTO tasks_new SELECT id, title, prompt, prompt_history, workspace_id, backend, status,
			branch_name, worktree_path, model, permission_mode, run_id, created_at, updated_at FROM tasks`,
		`DROP TABLE tasks`,
		`ALTER TABLE tasks_new RENAME TO tasks`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks (workspace_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("rebuild tasks table: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tasks rebuild: %w", err)
	}
	slog.Info("extended tasks.backend constraint", "backends", Backends)
	return nil
}
