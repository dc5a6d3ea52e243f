package db

import "time"

// Task statuses.
const (
	StatusTodo       = "TODO"
	StatusRunning    = "RUNNING"
	StatusToBeReview = "TO_BE_REVIEW"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Supported backend labels.
const (
	BackendClaudeCode = "claude_code"
	BackendCodexCLI   = "codex_cli"
	BackendCopilotCLI = "copilot_cli"
)

// Backends lists every supported backend label.
var Backends = []string{BackendClaudeCode, BackendCodexCLI, BackendCopilotCLI}

// Workspace kinds.
const (
	WorkspaceLocal        = "local"
	WorkspaceSSH          = "ssh"
	WorkspaceSSHContainer = "ssh_container"
)

// Runner statuses.
const (
	RunnerOnline  = "ONLINE"
	RunnerOffline = "OFFLINE"
)

// Run error classes.
const (
	ErrorClassCode    = "CODE"
	ErrorClassTool    = "TOOL"
	ErrorClassNetwork = "NETWORK"
	ErrorClassQuota   = "QUOTA"
	ErrorClassUnknown = "UNKNOWN"
)

// Quota state values.
const (
	QuotaOK        = "OK"
	QuotaExhausted = "QUOTA_EXHAUSTED"
	QuotaUnknown   = "UNKNOWN"
)

// Task is a user request pairing a prompt with a workspace and backend.
type Task struct {
	ID             int64
	Title          string
	Prompt         string
	PromptHistory  []string
	WorkspaceID    int64
	Backend        string
	Status         string
	BranchName     string
	WorktreePath   string
	Model          string
	PermissionMode string
	RunID          *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Workspace is a git repository location tasks operate on.
type Workspace struct {
	ID               int64
	Path             string
	DisplayName      string
	Kind             string
	Host             string
	Port             int
	SSHUser          string
	ContainerName    string
	LoginShell       string
	RunnerID         int64
	ConcurrencyLimit int
}

// IsRemote reports whether the workspace is reached over SSH.
func (w *Workspace) IsRemote() bool {
	return w.Kind == WorkspaceSSH || w.Kind == WorkspaceSSHContainer
}

// Runner is an execution endpoint advertising backend capabilities.
type Runner struct {
	ID           int64
	Env          string
	Capabilities []string
	Status       string
	HeartbeatAt  time.Time
	MaxParallel  int
}

// Supports reports whether the runner advertises the given backend.
func (r *Runner) Supports(backend string) bool {
	for _, c := range r.Capabilities {
		if c == backend {
			return true
		}
	}
	return false
}

// Run is a single execution attempt of a task.
type Run struct {
	ID          int64
	TaskID      int64
	RunnerID    int64
	Backend     string
	StartedAt   time.Time
	EndedAt     *time.Time
	ExitCode    *int
	ErrorClass  string
	LogBlob     string
	UsageJSON   string
	TmuxSession string
}

// QuotaState records the last observed quota condition for a provider account.
type QuotaState struct {
	ID           int64
	Provider     string
	AccountLabel string
	State        string
	LastEventAt  *time.Time
	Note         string
}
