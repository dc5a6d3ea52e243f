// Package db test helpers. All tests needing a database should use
// NewTestStore: in-memory sqlite is far faster than file-backed and cleanup
// is automatic.
package db

import (
	"testing"
	"time"
)

// NewTestStore creates a migrated in-memory store, closed when the test ends.
func NewTestStore(t testing.TB) *Store {
	t.Helper()

	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("create test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// NewTestFixture creates a store seeded with one runner and one local
// workspace at path, returning all three.
func NewTestFixture(t testing.TB, path string) (*Store, *Runner, *Workspace) {
	t.Helper()

	s := NewTestStore(t)
	runner, err := s.RegisterRunner("test", Backends, 4)
	if err != nil {
		t.Fatalf("register runner: %v", err)
	}
	ws := &Workspace{
		Path:             path,
		DisplayName:      "test-ws",
		Kind:             WorkspaceLocal,
		RunnerID:         runner.ID,
		ConcurrencyLimit: 2,
	}
	if err := s.CreateWorkspace(ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return s, runner, ws
}

// MustCreateTask creates a TODO task in the workspace, failing the test on
// error.
func MustCreateTask(t testing.TB, s *Store, ws *Workspace, title, prompt, backend string) *Task {
	t.Helper()

	task := &Task{
		Title:       title,
		Prompt:      prompt,
		WorkspaceID: ws.ID,
		Backend:     backend,
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	// Space creations apart so FIFO order by created_at is deterministic.
	time.Sleep(time.Millisecond)
	return task
}
