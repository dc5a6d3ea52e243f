package api

import (
	"time"

	"github.com/aitask/aitask/internal/db"
)

// Wire representations. DB models stay transport-agnostic; these carry the
// JSON field names and timestamp formatting the UI expects.

type taskJSON struct {
	ID             int64    `json:"id"`
	Title          string   `json:"title"`
	Prompt         string   `json:"prompt"`
	PromptHistory  []string `json:"prompt_history"`
	WorkspaceID    int64    `json:"workspace_id"`
	Backend        string   `json:"backend"`
	Status         string   `json:"status"`
	BranchName     string   `json:"branch_name,omitempty"`
	WorktreePath   string   `json:"worktree_path,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	RunID          *int64   `json:"run_id,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

func toTaskJSON(t *db.Task) taskJSON {
	return taskJSON{
		ID:             t.ID,
		Title:          t.Title,
		Prompt:         t.Prompt,
		PromptHistory:  t.PromptHistory,
		WorkspaceID:    t.WorkspaceID,
		Backend:        t.Backend,
		Status:         t.Status,
		BranchName:     t.BranchName,
		WorktreePath:   t.WorktreePath,
		Model:          t.Model,
		PermissionMode: t.PermissionMode,
		RunID:          t.RunID,
		CreatedAt:      formatTime(t.CreatedAt),
		UpdatedAt:      formatTime(t.UpdatedAt),
	}
}

func toTaskListJSON(tasks []*db.Task) []taskJSON {
	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskJSON(t))
	}
	return out
}

type workspaceJSON struct {
	ID               int64  `json:"id"`
	Path             string `json:"path"`
	DisplayName      string `json:"display_name"`
	Kind             string `json:"kind"`
	Host             string `json:"host,omitempty"`
	Port             int    `json:"port,omitempty"`
	SSHUser          string `json:"ssh_user,omitempty"`
	ContainerName    string `json:"container_name,omitempty"`
	LoginShell       string `json:"login_shell,omitempty"`
	RunnerID         int64  `json:"runner_id"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
}

func toWorkspaceJSON(w *db.Workspace) workspaceJSON {
	return workspaceJSON{
		ID:               w.ID,
		Path:             w.Path,
		DisplayName:      w.DisplayName,
		Kind:             w.Kind,
		Host:             w.Host,
		Port:             w.Port,
		SSHUser:          w.SSHUser,
		ContainerName:    w.ContainerName,
		LoginShell:       w.LoginShell,
		RunnerID:         w.RunnerID,
		ConcurrencyLimit: w.ConcurrencyLimit,
	}
}

type runnerJSON struct {
	ID           int64    `json:"id"`
	Env          string   `json:"env"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
	HeartbeatAt  string   `json:"heartbeat_at"`
	MaxParallel  int      `json:"max_parallel"`
}

func toRunnerJSON(r *db.Runner) runnerJSON {
	return runnerJSON{
		ID:           r.ID,
		Env:          r.Env,
		Capabilities: r.Capabilities,
		Status:       r.Status,
		HeartbeatAt:  formatTime(r.HeartbeatAt),
		MaxParallel:  r.MaxParallel,
	}
}

type runJSON struct {
	ID         int64   `json:"id"`
	TaskID     int64   `json:"task_id"`
	Backend    string  `json:"backend"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at"`
	ExitCode   *int    `json:"exit_code"`
	ErrorClass string  `json:"error_class,omitempty"`
	Log        string  `json:"log"`
	UsageJSON  string  `json:"usage_json,omitempty"`
}

func toRunJSON(r *db.Run) runJSON {
	out := runJSON{
		ID:         r.ID,
		TaskID:     r.TaskID,
		Backend:    r.Backend,
		StartedAt:  formatTime(r.StartedAt),
		ExitCode:   r.ExitCode,
		ErrorClass: r.ErrorClass,
		Log:        r.LogBlob,
		UsageJSON:  r.UsageJSON,
	}
	if r.EndedAt != nil {
		s := formatTime(*r.EndedAt)
		out.EndedAt = &s
	}
	return out
}

type quotaJSON struct {
	Provider     string  `json:"provider"`
	AccountLabel string  `json:"account_label"`
	State        string  `json:"state"`
	LastEventAt  *string `json:"last_event_at"`
	Note         string  `json:"note,omitempty"`
}

func toQuotaJSON(q *db.QuotaState) quotaJSON {
	out := quotaJSON{
		Provider:     q.Provider,
		AccountLabel: q.AccountLabel,
		State:        q.State,
		Note:         q.Note,
	}
	if q.LastEventAt != nil {
		s := formatTime(*q.LastEventAt)
		out.LastEventAt = &s
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
