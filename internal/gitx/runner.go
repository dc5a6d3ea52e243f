// Package gitx wraps the git operations the orchestrator performs on
// workspaces: branch probes, per-task worktree provisioning and cleanup, and
// the merge primitives. All commands go through CommandRunner so tests can
// substitute a fake.
package gitx

import (
	"bytes"
	"os/exec"
	"strings"
)

// CommandRunner executes a command in a working directory and returns its
// trimmed stdout. On failure the error carries the command's output.
type CommandRunner interface {
	Run(workDir, name string, args ...string) (string, error)
}

// ExecRunner is the default CommandRunner backed by exec.Command.
type ExecRunner struct{}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command and returns trimmed stdout.
func (r *ExecRunner) Run(workDir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		return strings.TrimSpace(stdout.String()), &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  out,
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError is a failed command with its captured output.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
