package db

import (
	"errors"
	"testing"
)

func TestTaskLifecycle(t *testing.T) {
	s, _, ws := NewTestFixture(t, "/tmp/repo")

	task := MustCreateTask(t, s, ws, "add login", "implement login", BackendClaudeCode)
	if task.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if task.Status != StatusTodo {
		t.Errorf("status = %q, want TODO", task.Status)
	}
	if len(task.PromptHistory) != 1 || task.PromptHistory[0] != "implement login" {
		t.Errorf("prompt_history = %v, want [implement login]", task.PromptHistory)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "add login" || got.Backend != BackendClaudeCode {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not persisted")
	}

	got.Status = StatusRunning
	got.BranchName = "task-1"
	got.WorktreePath = "/tmp/repo-worktrees/task-1"
	got.Prompt = "implement login with oauth"
	got.PromptHistory = append(got.PromptHistory, got.Prompt)
	if err := s.SaveTask(got); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	again, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask after save: %v", err)
	}
	if again.Status != StatusRunning || again.BranchName != "task-1" {
		t.Errorf("save not persisted: %+v", again)
	}
	if len(again.PromptHistory) != 2 {
		t.Errorf("prompt_history len = %d, want 2", len(again.PromptHistory))
	}
	if !again.UpdatedAt.After(task.UpdatedAt) && !again.UpdatedAt.Equal(task.UpdatedAt) {
		t.Error("updated_at went backwards")
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := NewTestStore(t)

	_, err := s.GetTask(9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListTodoTasksFIFO(t *testing.T) {
	s, _, ws := NewTestFixture(t, "/tmp/repo")

	first := MustCreateTask(t, s, ws, "first", "p1", BackendClaudeCode)
	second := MustCreateTask(t, s, ws, "second", "p2", BackendCodexCLI)
	third := MustCreateTask(t, s, ws, "third", "p3", BackendClaudeCode)

	// A non-TODO task must not appear.
	second.Status = StatusDone
	if err := s.SaveTask(second); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	todo, err := s.ListTodoTasksFIFO()
	if err != nil {
		t.Fatalf("ListTodoTasksFIFO: %v", err)
	}
	if len(todo) != 2 {
		t.Fatalf("len = %d, want 2", len(todo))
	}
	if todo[0].ID != first.ID || todo[1].ID != third.ID {
		t.Errorf("order = [%d %d], want [%d %d]", todo[0].ID, todo[1].ID, first.ID, third.ID)
	}
}

func TestListTasks_Filter(t *testing.T) {
	s, runner, ws := NewTestFixture(t, "/tmp/repo")

	other := &Workspace{Path: "/tmp/other", DisplayName: "other", Kind: WorkspaceLocal, RunnerID: runner.ID, ConcurrencyLimit: 1}
	if err := s.CreateWorkspace(other); err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	a := MustCreateTask(t, s, ws, "a", "p", BackendClaudeCode)
	MustCreateTask(t, s, other, "b", "p", BackendClaudeCode)
	a.Status = StatusFailed
	if err := s.SaveTask(a); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	byStatus, err := s.ListTasks(TaskFilter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("ListTasks by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != a.ID {
		t.Errorf("status filter returned %d tasks", len(byStatus))
	}

	byWorkspace, err := s.ListTasks(TaskFilter{WorkspaceID: other.ID})
	if err != nil {
		t.Fatalf("ListTasks by workspace: %v", err)
	}
	if len(byWorkspace) != 1 || byWorkspace[0].WorkspaceID != other.ID {
		t.Errorf("workspace filter returned %d tasks", len(byWorkspace))
	}
}

func TestCountRunning(t *testing.T) {
	s, runner, ws := NewTestFixture(t, "/tmp/repo")

	a := MustCreateTask(t, s, ws, "a", "p", BackendClaudeCode)
	b := MustCreateTask(t, s, ws, "b", "p", BackendClaudeCode)
	MustCreateTask(t, s, ws, "c", "p", BackendClaudeCode)
	for _, task := range []*Task{a, b} {
		task.Status = StatusRunning
		if err := s.SaveTask(task); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}

	inWs, err := s.CountRunningInWorkspace(ws.ID)
	if err != nil {
		t.Fatalf("CountRunningInWorkspace: %v", err)
	}
	if inWs != 2 {
		t.Errorf("workspace running = %d, want 2", inWs)
	}

	onRunner, err := s.CountRunningOnRunner(runner.ID)
	if err != nil {
		t.Fatalf("CountRunningOnRunner: %v", err)
	}
	if onRunner != 2 {
		t.Errorf("runner running = %d, want 2", onRunner)
	}
}

func TestNextTaskNumber(t *testing.T) {
	s, _, ws := NewTestFixture(t, "/tmp/repo")

	n, err := s.NextTaskNumber(ws.ID)
	if err != nil {
		t.Fatalf("NextTaskNumber empty: %v", err)
	}
	if n != 1 {
		t.Errorf("next = %d, want 1 on empty workspace", n)
	}

	task := MustCreateTask(t, s, ws, "a", "p", BackendClaudeCode)
	n, err = s.NextTaskNumber(ws.ID)
	if err != nil {
		t.Fatalf("NextTaskNumber: %v", err)
	}
	if n != task.ID+1 {
		t.Errorf("next = %d, want %d", n, task.ID+1)
	}
}

func TestDeleteTask_RemovesRuns(t *testing.T) {
	s, runner, ws := NewTestFixture(t, "/tmp/repo")

	task := MustCreateTask(t, s, ws, "a", "p", BackendClaudeCode)
	run := &Run{TaskID: task.ID, RunnerID: runner.ID, Backend: task.Backend}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	task.RunID = &run.ID
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	if err := s.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("task still present after delete: %v", err)
	}
	if _, err := s.GetRun(run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("run still present after delete: %v", err)
	}
}
