// Package executor owns a running task's lifetime: branch and worktree
// preparation, run bookkeeping, driving the backend adapter locally or over
// SSH, periodic log flushing, cancellation, and terminal persistence.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aitask/aitask/internal/backend"
	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/events"
	"github.com/aitask/aitask/internal/gitx"
	"github.com/aitask/aitask/internal/sshx"
)

// flushInterval is the cadence at which accumulated log text is written to
// the run row while the task executes.
const flushInterval = 2 * time.Second

// AdapterFactory builds a backend adapter; swapped out in tests.
type AdapterFactory func(backendLabel, workspacePath, model, permissionMode string) (backend.Adapter, error)

// Executor dispatches, drives, and cancels task runs.
type Executor struct {
	store *db.Store
	pub   events.Publisher

	// The cancel set is the only cross-run mutable state: ids whose
	// cancellation was requested but whose run has not yet ended.
	mu        sync.Mutex
	cancelSet map[int64]struct{}

	flushEvery time.Duration
	newAdapter AdapterFactory
	gitRun     gitx.CommandRunner
}

// New creates an Executor.
func New(store *db.Store, pub events.Publisher) *Executor {
	return &Executor{
		store:      store,
		pub:        pub,
		cancelSet:  make(map[int64]struct{}),
		flushEvery: flushInterval,
		newAdapter: backend.New,
		gitRun:     gitx.NewExecRunner(),
	}
}

// Dispatch prepares a TODO task and starts its background run. It returns
// true iff execution was started.
func (e *Executor) Dispatch(taskID int64) (bool, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if task.Status != db.StatusTodo {
		slog.Warn("dispatch skipped, task not in TODO", "task_id", taskID, "status", task.Status)
		return false, nil
	}
	ws, err := e.store.GetWorkspace(task.WorkspaceID)
	if err != nil {
		return false, fmt.Errorf("load workspace %d: %w", task.WorkspaceID, err)
	}

	var client *sshx.Client
	repoPath := ws.Path
	if ws.IsRemote() {
		if ws.Host == "" {
			return false, fmt.Errorf("ssh workspace %d has no host configured", ws.ID)
		}
		repoPath = sshx.ExtractRemotePath(ws.Path, ws.Kind)
		client = sshx.NewClient(sshx.Target{
			Host: ws.Host, Port: ws.Port, User: ws.SSHUser,
			Container: ws.ContainerName, Path: repoPath,
		})
	}

	run := e.gitRun
	var host gitx.Host = gitx.LocalHost{}
	if client != nil {
		run = &sshx.GitRunner{Client: client}
		host = &sshx.RemoteHost{Client: client}
	}
	repo := gitx.NewRepo(repoPath, run)

	if task.BranchName == "" {
		base := repo.CurrentBranch()
		if base == "" {
			base = "main"
		}
		task.BranchName = base
	}

	worktree, err := repo.ProvisionWorktree(host, task.ID, task.WorktreePath, task.BranchName)
	if err != nil {
		return false, fmt.Errorf("provision worktree for task %d: %w", task.ID, err)
	}
	task.WorktreePath = worktree

	runRec := &db.Run{TaskID: task.ID, RunnerID: ws.RunnerID, Backend: task.Backend}
	if client != nil {
		runRec.TmuxSession = sshx.SessionName(task.ID)
	}
	if err := e.store.CreateRun(runRec); err != nil {
		return false, err
	}

	task.Status = db.StatusRunning
	task.RunID = &runRec.ID
	if err := e.store.SaveTask(task); err != nil {
		return false, err
	}
	e.publishStatus(task.ID, db.StatusRunning)
	slog.Info("task dispatched", "task_id", task.ID, "backend", task.Backend,
		"worktree", worktree, "remote", client != nil)

	if client != nil {
		go e.driveSSH(task, ws, runRec, client)
	} else {
		go e.driveLocal(task, runRec)
	}
	return true, nil
}

// Cancel requests cancellation of a TODO or RUNNING task. Cancellation is a
// failure mode: the task lands in FAILED.
func (e *Executor) Cancel(taskID int64) (bool, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if task.Status != db.StatusTodo && task.Status != db.StatusRunning {
		return false, nil
	}
	if task.Status == db.StatusRunning {
		e.requestCancel(taskID)
	}
	task.Status = db.StatusFailed
	if err := e.store.SaveTask(task); err != nil {
		return false, err
	}
	if task.RunID != nil {
		// The background drive writes the final log; ending the run here must
		// not touch already-flushed log bytes.
		if err := e.store.CancelRun(*task.RunID, 130); err != nil {
			slog.Warn("end run on cancel failed", "run_id", *task.RunID, "error", err)
		}
	}
	e.publishStatus(taskID, db.StatusFailed)
	slog.Info("task cancelled", "task_id", taskID)
	return true, nil
}

func (e *Executor) requestCancel(id int64) {
	e.mu.Lock()
	e.cancelSet[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Executor) cancelRequested(id int64) bool {
	e.mu.Lock()
	_, ok := e.cancelSet[id]
	e.mu.Unlock()
	return ok
}

func (e *Executor) clearCancel(id int64) {
	e.mu.Lock()
	delete(e.cancelSet, id)
	e.mu.Unlock()
}

// driveLocal consumes the adapter's line stream, flushing the log every
// flush interval, then persists the outcome.
func (e *Executor) driveLocal(task *db.Task, run *db.Run) {
	adapter, err := e.newAdapter(task.Backend, task.WorktreePath, task.Model, task.PermissionMode)
	if err != nil {
		e.persistInternalError(task.ID, run.ID, err)
		return
	}

	stream := adapter.Execute(context.Background(), task.Prompt,
		func() bool { return e.cancelRequested(task.ID) })

	var log strings.Builder
	exitCode := -1
	ticker := time.NewTicker(e.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-stream:
			if !ok {
				if exitCode == -1 {
					exitCode = 1
				}
				e.finish(task.ID, run.ID, adapter, log.String(), exitCode)
				return
			}
			log.WriteString(line)
			if code, found := backend.ParseSentinel(line); found {
				exitCode = code
			}
		case <-ticker.C:
			e.flush(run.ID, log.String())
		}
	}
}

// flush writes the accumulated log, skipping silently once the run ended.
func (e *Executor) flush(runID int64, text string) {
	if _, err := e.store.FlushRunLog(runID, text); err != nil {
		slog.Warn("log flush failed", "run_id", runID, "error", err)
	}
}

// finish computes the outcome and persists the terminal state.
func (e *Executor) finish(taskID, runID int64, adapter backend.Adapter, logText string, exitCode int) {
	success, class := adapter.ParseExitCode(exitCode)
	cancelled := exitCode == 130 || e.cancelRequested(taskID)
	e.persistOutcome(taskID, runID, outcome{
		exitCode:  exitCode,
		success:   success,
		class:     class,
		cancelled: cancelled,
		quota:     adapter.IsQuotaError(),
		usage:     adapter.UsageData(),
		log:       logText,
	})
}

type outcome struct {
	exitCode  int
	success   bool
	class     string
	cancelled bool
	quota     bool
	usage     map[string]any
	log       string
}

// persistOutcome applies the terminal matrix: cancelled beats quota beats
// success beats mapped failure. It always clears the cancel set entry.
func (e *Executor) persistOutcome(taskID, runID int64, o outcome) {
	defer e.clearCancel(taskID)

	var usageJSON string
	if o.usage != nil {
		if b, err := json.Marshal(o.usage); err == nil {
			usageJSON = string(b)
		}
	}

	status := db.StatusFailed
	exitCode := o.exitCode
	class := o.class
	switch {
	case o.cancelled:
		exitCode = 130
		class = db.ErrorClassUnknown
	case o.quota && !o.success:
		class = db.ErrorClassQuota
	case o.success:
		status = db.StatusToBeReview
		class = ""
	default:
		if class == "" {
			class = db.ErrorClassUnknown
		}
	}

	if err := e.store.EndRun(runID, exitCode, class, o.log, usageJSON); err != nil {
		slog.Error("persist run outcome failed", "run_id", runID, "error", err)
	}

	task, err := e.store.GetTask(taskID)
	if err != nil {
		slog.Error("load task for outcome failed", "task_id", taskID, "error", err)
		return
	}
	task.Status = status
	if err := e.store.SaveTask(task); err != nil {
		slog.Error("persist task outcome failed", "task_id", taskID, "error", err)
		return
	}

	if class == db.ErrorClassQuota {
		provider := db.QuotaProvider(task.Backend)
		if err := e.store.UpsertQuotaState(provider, "", db.QuotaExhausted, "run "+fmt.Sprint(runID)); err != nil {
			slog.Warn("record quota state failed", "provider", provider, "error", err)
		}
		e.pub.Publish(events.Event{Kind: events.KindQuota, TaskID: taskID,
			Payload: map[string]any{"provider": provider}})
	}

	e.publishStatus(taskID, status)
	slog.Info("task finished", "task_id", taskID, "status", status,
		"exit_code", exitCode, "error_class", class)
}

// persistInternalError records a failure that happened before the adapter
// produced any stream.
func (e *Executor) persistInternalError(taskID, runID int64, cause error) {
	e.persistOutcome(taskID, runID, outcome{
		exitCode: -1,
		class:    db.ErrorClassUnknown,
		log:      "Internal error: " + cause.Error() + "\n",
	})
}

func (e *Executor) publishStatus(taskID int64, status string) {
	e.pub.Publish(events.Event{Kind: events.KindStatus, TaskID: taskID, Status: status})
}
