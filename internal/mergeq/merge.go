// Package mergeq merges a reviewed task's branch back into its base branch:
// auto-commit of pending changes on both sides, fast-forward first, then a
// three-way merge, then AI-assisted conflict resolution on local workspaces.
package mergeq

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aitask/aitask/internal/backend"
	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/gitx"
	"github.com/aitask/aitask/internal/sshx"
)

// adapterFactory builds a backend adapter; swapped out in tests.
type adapterFactory func(backendLabel, workspacePath, model, permissionMode string) (backend.Adapter, error)

// Engine runs merges for reviewed tasks.
type Engine struct {
	store      *db.Store
	localRun   gitx.CommandRunner
	localHost  gitx.Host
	newAdapter adapterFactory
}

// New creates an Engine.
func New(store *db.Store) *Engine {
	return &Engine{
		store:      store,
		localRun:   gitx.NewExecRunner(),
		localHost:  gitx.LocalHost{},
		newAdapter: backend.New,
	}
}

// env bundles the runner/host/path triple for wherever the workspace lives.
type env struct {
	run    gitx.CommandRunner
	host   gitx.Host
	path   string
	remote bool
}

func (m *Engine) envFor(ws *db.Workspace) env {
	if !ws.IsRemote() {
		return env{run: m.localRun, host: m.localHost, path: ws.Path}
	}
	client := sshx.NewClient(sshx.Target{
		Host: ws.Host, Port: ws.Port, User: ws.SSHUser,
		Container: ws.ContainerName, Path: sshx.ExtractRemotePath(ws.Path, ws.Kind),
	})
	return env{
		run:    &sshx.GitRunner{Client: client},
		host:   &sshx.RemoteHost{Client: client},
		path:   sshx.ExtractRemotePath(ws.Path, ws.Kind),
		remote: true,
	}
}

// sentinelMessage is the auto-commit message used on both the worktree and
// the base workspace.
func sentinelMessage(taskID int64) string {
	return fmt.Sprintf("chore(task-%d): auto-commit pending changes before merge", taskID)
}

// Merge merges the task's branch into its base branch. The caller has
// already verified the task is in TO_BE_REVIEW.
func (m *Engine) Merge(task *db.Task, ws *db.Workspace) error {
	e := m.envFor(ws)
	base := gitx.NewRepo(e.path, e.run)

	if mergeInProgress(base) {
		if _, err := base.Git("merge", "--abort"); err != nil {
			slog.Warn("abort of stale merge failed", "workspace", e.path, "error", err)
		}
	}

	if task.WorktreePath != "" && gitx.ValidWorktree(e.run, e.host, task.WorktreePath) {
		wt := gitx.NewRepo(task.WorktreePath, e.run)
		if err := autoCommit(wt, sentinelMessage(task.ID)); err != nil {
			return fmt.Errorf("auto-commit worktree: %w", err)
		}
	}

	target := task.BranchName
	if target == "" {
		target = "main"
	}
	if !base.BranchExists(target) {
		return fmt.Errorf("target branch %q does not exist in %s", target, e.path)
	}

	source, err := m.resolveSource(task, base, e)
	if err != nil {
		return err
	}

	if _, err := base.Git("checkout", target); err != nil {
		// A dirty base blocks checkout; auto-commit and retry once.
		if commitErr := autoCommit(base, sentinelMessage(task.ID)); commitErr != nil {
			return fmt.Errorf("checkout %s: %w", target, err)
		}
		if _, err := base.Git("checkout", target); err != nil {
			return fmt.Errorf("checkout %s: %s", target, gitDetail(err, ""))
		}
	}
	if err := autoCommit(base, sentinelMessage(task.ID)); err != nil {
		return fmt.Errorf("auto-commit base workspace: %w", err)
	}

	if _, err := base.Git("merge", "--ff-only", source); err == nil {
		return nil
	}
	out, err := base.Git("merge", "--no-ff", "--no-edit", source)
	if err == nil {
		return nil
	}
	detail := gitDetail(err, out)

	if !e.remote && len(unmergedFiles(base)) > 0 {
		if resolveErr := m.resolveConflicts(task, base, target, source, detail); resolveErr != nil {
			abortMerge(base)
			return resolveErr
		}
		return nil
	}

	abortMerge(base)
	return errors.New("merge failed: " + detail)
}

// resolveSource picks the branch to merge: the canonical task branch when it
// exists in the base workspace, otherwise the worktree's current branch
// validated against the base.
func (m *Engine) resolveSource(task *db.Task, base *gitx.Repo, e env) (string, error) {
	canonical := gitx.TaskBranch(task.ID)
	if base.BranchExists(canonical) {
		return canonical, nil
	}
	if task.WorktreePath == "" || !gitx.ValidWorktree(e.run, e.host, task.WorktreePath) {
		return "", fmt.Errorf("no mergeable branch for task %d: branch %s missing and no valid worktree", task.ID, canonical)
	}
	wt := gitx.NewRepo(task.WorktreePath, e.run)
	current := wt.CurrentBranch()
	if current == "" {
		return "", fmt.Errorf("task %d worktree is on a detached HEAD", task.ID)
	}
	if !base.BranchExists(current) {
		return "", fmt.Errorf("worktree branch %q not present in base workspace", current)
	}
	return current, nil
}

// Cleanup tears down the task's worktree and branch after a successful
// merge or manual completion.
func (m *Engine) Cleanup(task *db.Task, ws *db.Workspace) {
	e := m.envFor(ws)
	repo := gitx.NewRepo(e.path, e.run)
	repo.CleanupWorktree(e.host, task.ID, task.WorktreePath)
}

// autoCommit commits pending changes with the given message. An empty
// commit attempt that leaves the tree clean is a no-op.
func autoCommit(repo *gitx.Repo, message string) error {
	dirty, err := repo.IsDirty()
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if _, err := repo.Git("add", "-A"); err != nil {
		return fmt.Errorf("stage pending changes in %s: %w", repo.Path, err)
	}
	if _, err := repo.Git("commit", "-m", message); err != nil {
		clean, checkErr := repo.IsDirty()
		if checkErr == nil && !clean {
			return nil
		}
		return fmt.Errorf("commit pending changes in %s: %w", repo.Path, err)
	}
	return nil
}

func mergeInProgress(repo *gitx.Repo) bool {
	_, err := repo.Git("rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

func abortMerge(repo *gitx.Repo) {
	if mergeInProgress(repo) {
		if _, err := repo.Git("merge", "--abort"); err != nil {
			slog.Warn("merge abort failed", "workspace", repo.Path, "error", err)
		}
	}
}

// unmergedFiles lists paths still in conflict.
func unmergedFiles(repo *gitx.Repo) []string {
	out, err := repo.Git("diff", "--name-only", "--diff-filter=U")
	if err != nil || strings.TrimSpace(out) == "" {
		return nil
	}
	return strings.Split(strings.TrimSpace(out), "\n")
}

// gitDetail joins a command's stdout and error output with " | " for the
// user-visible failure reason.
func gitDetail(err error, stdout string) string {
	var parts []string
	if s := strings.TrimSpace(stdout); s != "" {
		parts = append(parts, s)
	}
	var cmdErr *gitx.CommandError
	if errors.As(err, &cmdErr) {
		if o := strings.TrimSpace(cmdErr.Output); o != "" && o != strings.TrimSpace(stdout) {
			parts = append(parts, o)
		}
	} else if err != nil {
		parts = append(parts, err.Error())
	}
	if len(parts) == 0 {
		return "unknown git failure"
	}
	return strings.Join(parts, " | ")
}
