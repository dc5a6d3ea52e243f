package gitx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// PathState classifies what sits at a filesystem path.
type PathState int

const (
	PathMissing PathState = iota
	PathEmptyDir
	PathNonEmpty
)

// Host abstracts the few filesystem probes worktree provisioning needs, so
// the same logic drives local and SSH workspaces.
type Host interface {
	PathState(path string) (PathState, error)
	// RemoveEmptyDir removes a directory known to be empty.
	RemoveEmptyDir(path string) error
}

// LocalHost probes the local filesystem.
type LocalHost struct{}

// PathState classifies a local path.
func (LocalHost) PathState(path string) (PathState, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return PathMissing, nil
	}
	if err != nil {
		return PathMissing, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return PathNonEmpty, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return PathNonEmpty, fmt.Errorf("read dir %s: %w", path, err)
	}
	if len(entries) == 0 {
		return PathEmptyDir, nil
	}
	return PathNonEmpty, nil
}

// RemoveEmptyDir removes an empty local directory.
func (LocalHost) RemoveEmptyDir(path string) error {
	return os.Remove(path)
}

// TaskBranch is the canonical branch name for a task.
func TaskBranch(taskID int64) string {
	return fmt.Sprintf("task-%d", taskID)
}

// DefaultWorktreePath is the sibling directory a task's worktree lives in.
func DefaultWorktreePath(workspacePath string, taskID int64) string {
	return fmt.Sprintf("%s-task-%d", workspacePath, taskID)
}

// ValidWorktree reports whether path holds a usable git worktree: the .git
// marker is present and git agrees it is inside a work tree.
func ValidWorktree(run CommandRunner, host Host, path string) bool {
	state, err := host.PathState(filepath.Join(path, ".git"))
	if err != nil || state == PathMissing {
		return false
	}
	out, err := run.Run("", "git", "-C", path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// ProvisionWorktree ensures the task has a worktree on branch task-<id> and
// returns its path. recordedPath, when non-empty, overrides the default
// location. The operation is idempotent: an existing valid worktree is reused
// untouched.
func (r *Repo) ProvisionWorktree(host Host, taskID int64, recordedPath, baseBranch string) (string, error) {
	path := recordedPath
	if path == "" {
		path = DefaultWorktreePath(r.Path, taskID)
	}
	branch := TaskBranch(taskID)

	state, err := host.PathState(path)
	if err != nil {
		return "", err
	}
	switch state {
	case PathNonEmpty:
		if ValidWorktree(r.run, host, path) {
			return path, nil
		}
		fallback, err := r.fallbackPath(host, path)
		if err != nil {
			return "", err
		}
		slog.Warn("worktree path occupied by non-worktree content, using fallback",
			"task_id", taskID, "path", path, "fallback", fallback)
		path = fallback
	case PathEmptyDir:
		if err := host.RemoveEmptyDir(path); err != nil {
			return "", fmt.Errorf("remove empty worktree dir %s: %w", path, err)
		}
	}

	if r.BranchExists(branch) {
		if _, err := r.Git("worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("attach worktree for %s: %w", branch, err)
		}
		return path, nil
	}
	if _, err := r.Git("worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return "", fmt.Errorf("create worktree for %s from %s: %w", branch, baseBranch, err)
	}
	return path, nil
}

// fallbackPath picks the first of P-recovered, P-recovered-1, ... that does
// not exist yet.
func (r *Repo) fallbackPath(host Host, path string) (string, error) {
	for i := 0; ; i++ {
		candidate := path + "-recovered"
		if i > 0 {
			candidate = fmt.Sprintf("%s-recovered-%d", path, i)
		}
		state, err := host.PathState(candidate)
		if err != nil {
			return "", err
		}
		if state == PathMissing {
			return candidate, nil
		}
	}
}

// CleanupWorktree tears down a task's worktree and branch. Every step is
// best-effort: failures are logged and the remaining steps still run.
func (r *Repo) CleanupWorktree(host Host, taskID int64, worktreePath string) {
	branch := TaskBranch(taskID)

	if worktreePath != "" {
		if _, err := r.Git("worktree", "remove", "--force", worktreePath); err != nil {
			slog.Warn("worktree remove failed", "task_id", taskID, "path", worktreePath, "error", err)
		}
		if _, err := r.Git("worktree", "prune"); err != nil {
			slog.Warn("worktree prune failed", "task_id", taskID, "error", err)
		}
		state, err := host.PathState(worktreePath)
		if err == nil && state == PathEmptyDir {
			if err := host.RemoveEmptyDir(worktreePath); err != nil {
				slog.Warn("remove leftover worktree dir failed", "path", worktreePath, "error", err)
			}
		}
	}

	if _, err := r.Git("branch", "-D", branch); err != nil {
		slog.Warn("branch delete failed", "task_id", taskID, "branch", branch, "error", err)
	}
}
