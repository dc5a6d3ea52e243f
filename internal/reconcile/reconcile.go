// Package reconcile repairs drift between task rows and the git/worktree
// state actually on disk. It only touches local workspaces and never a task
// in RUNNING.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/gitx"
)

// autocloseGrace keeps a freshly finished TO_BE_REVIEW task out of
// auto-close reach long enough for the user to see it.
const autocloseGrace = 60 * time.Second

// Reconciler runs drift repair passes.
type Reconciler struct {
	store *db.Store
	run   gitx.CommandRunner
	host  gitx.Host
	now   func() time.Time
}

// New creates a Reconciler.
func New(store *db.Store) *Reconciler {
	return &Reconciler{
		store: store,
		run:   gitx.NewExecRunner(),
		host:  gitx.LocalHost{},
		now:   time.Now,
	}
}

// Once performs one reconciliation pass and returns the number of tasks
// changed.
func (r *Reconciler) Once() (int, error) {
	tasks, err := r.store.ListTasksNotRunning()
	if err != nil {
		return 0, err
	}
	autoclose, err := r.store.ReconcilerAutoclose()
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, task := range tasks {
		ws, err := r.store.GetWorkspace(task.WorkspaceID)
		if err != nil {
			slog.Warn("reconcile: workspace missing", "task_id", task.ID, "workspace_id", task.WorkspaceID)
			continue
		}
		if ws.Kind != db.WorkspaceLocal {
			continue
		}
		if r.reconcileTask(task, ws, autoclose) {
			if err := r.store.SaveTask(task); err != nil {
				slog.Error("reconcile: save task failed", "task_id", task.ID, "error", err)
				continue
			}
			changed++
		}
	}
	return changed, nil
}

// reconcileTask repairs one task in place and reports whether it changed.
func (r *Reconciler) reconcileTask(task *db.Task, ws *db.Workspace, autoclose bool) bool {
	repo := gitx.NewRepo(ws.Path, r.run)
	dirty := false

	if task.WorktreePath != "" && r.shouldClearWorktree(repo, task.WorktreePath) {
		slog.Info("reconcile: cleared stale worktree reference",
			"task_id", task.ID, "path", task.WorktreePath)
		task.WorktreePath = ""
		dirty = true
	}

	// Auto-close is opt-in; by default review states are left for explicit
	// user action even when the branch merged externally.
	if autoclose && task.Status == db.StatusToBeReview && r.eligibleForAutoclose(task) {
		branch := gitx.TaskBranch(task.ID)
		base := task.BranchName
		if base == "" {
			base = "main"
		}
		switch r.branchState(repo, branch, base) {
		case "merged", "missing":
			repo.CleanupWorktree(r.host, task.ID, task.WorktreePath)
			task.WorktreePath = ""
			task.Status = db.StatusDone
			dirty = true
			slog.Info("reconcile: auto-closed reviewed task", "task_id", task.ID)
		}
	}

	return dirty
}

// shouldClearWorktree reports whether the recorded worktree path no longer
// backs a usable worktree, pruning or cleaning up as a side effect.
func (r *Reconciler) shouldClearWorktree(repo *gitx.Repo, path string) bool {
	state, err := r.host.PathState(path)
	if err != nil {
		return false
	}
	if state == gitx.PathMissing {
		if _, err := repo.Git("worktree", "prune"); err != nil {
			slog.Warn("reconcile: worktree prune failed", "error", err)
		}
		return true
	}
	if gitx.ValidWorktree(r.run, r.host, path) {
		return false
	}
	if _, err := repo.Git("worktree", "remove", "--force", path); err != nil {
		slog.Warn("reconcile: worktree remove failed", "path", path, "error", err)
	}
	if _, err := repo.Git("worktree", "prune"); err != nil {
		slog.Warn("reconcile: worktree prune failed", "error", err)
	}
	if state, err := r.host.PathState(path); err == nil && state == gitx.PathEmptyDir {
		if err := r.host.RemoveEmptyDir(path); err != nil {
			slog.Warn("reconcile: remove stale dir failed", "path", path, "error", err)
		}
	}
	return true
}

func (r *Reconciler) eligibleForAutoclose(task *db.Task) bool {
	return r.now().UTC().Sub(task.UpdatedAt) >= autocloseGrace
}

// branchState classifies the task branch against its base: merged, missing,
// not_merged, or unknown.
func (r *Reconciler) branchState(repo *gitx.Repo, branch, base string) string {
	if !repo.BranchExists(branch) {
		return "missing"
	}
	if !repo.BranchExists(base) {
		return "unknown"
	}
	if repo.IsAncestor(branch, base) {
		return "merged"
	}
	return "not_merged"
}
