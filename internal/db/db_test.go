package db

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "tasks.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := NewTestStore(t)

	// Running migrate again must be a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	tables := []string{"runners", "workspaces", "tasks", "runs", "quota_states", "app_settings"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}
}

func TestNormalize_LegacyStatuses(t *testing.T) {
	s, _, ws := NewTestFixture(t, "/tmp/repo")

	task := MustCreateTask(t, s, ws, "legacy", "p", BackendClaudeCode)

	// Current schema rejects the legacy literals outright.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`UPDATE tasks SET status = 'CANCELLED', updated_at = ? WHERE id = ?`, now, task.ID); err == nil {
		t.Fatal("expected CHECK constraint to reject CANCELLED on current schema")
	}

	// normalize is a no-op on a clean database and safe to rerun.
	if err := s.normalize(); err != nil {
		t.Fatalf("normalize rerun failed: %v", err)
	}
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusTodo {
		t.Errorf("status = %q, want TODO", got.Status)
	}
}

func TestEnsureColumn(t *testing.T) {
	s := NewTestStore(t)

	// Existing column is a no-op.
	if err := s.ensureColumn("tasks", "model", "TEXT"); err != nil {
		t.Fatalf("ensureColumn existing: %v", err)
	}

	// New column gets added.
	if err := s.ensureColumn("tasks", "extra_probe", "TEXT"); err != nil {
		t.Fatalf("ensureColumn new: %v", err)
	}
	var name string
	err := s.db.QueryRow(`SELECT name FROM pragma_table_info('tasks') WHERE name = 'extra_probe'`).Scan(&name)
	if err != nil {
		t.Fatalf("added column not found: %v", err)
	}
}
