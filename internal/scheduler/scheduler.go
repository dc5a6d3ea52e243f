// Package scheduler admits TODO tasks to execution. Admission is strict
// FIFO with per-workspace and per-runner concurrency gates; there are no
// priorities and no preemption.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aitask/aitask/internal/db"
)

// Dispatcher starts background execution for a task.
type Dispatcher interface {
	Dispatch(taskID int64) (bool, error)
}

// Repairer runs one drift reconciliation pass.
type Repairer interface {
	Once() (int, error)
}

// Scheduler runs the admission loop and the runner heartbeat.
type Scheduler struct {
	store    *db.Store
	exec     Dispatcher
	repairer Repairer

	interval          time.Duration
	heartbeatInterval time.Duration
	runnerID          int64

	// capability mismatches are logged once per (runner, backend) pair and
	// suppressed until the runner advertises the backend again.
	warnedCapability map[string]struct{}
}

// New creates a Scheduler for the local runner.
func New(store *db.Store, exec Dispatcher, repairer Repairer, runnerID int64, interval, heartbeat time.Duration) *Scheduler {
	return &Scheduler{
		store:             store,
		exec:              exec,
		repairer:          repairer,
		interval:          interval,
		heartbeatInterval: heartbeat,
		runnerID:          runnerID,
		warnedCapability:  make(map[string]struct{}),
	}
}

// Run ticks the admission loop until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one scheduling pass: reconcile, then walk the TODO queue in
// FIFO order evaluating admission gates. The pass never blocks on a task.
func (s *Scheduler) Tick() {
	if repaired, err := s.repairer.Once(); err != nil {
		slog.Error("reconcile pass failed", "error", err)
	} else if repaired > 0 {
		slog.Info("reconcile pass repaired tasks", "count", repaired)
	}

	todo, err := s.store.ListTodoTasksFIFO()
	if err != nil {
		slog.Error("list TODO tasks failed", "error", err)
		return
	}
	for _, task := range todo {
		if s.admit(task) {
			if started, err := s.exec.Dispatch(task.ID); err != nil {
				slog.Error("dispatch failed", "task_id", task.ID, "error", err)
			} else if started {
				slog.Info("dispatched", "task_id", task.ID, "backend", task.Backend)
			}
		}
	}
}

// admit evaluates the gates in order; the first failure rejects.
func (s *Scheduler) admit(task *db.Task) bool {
	ws, err := s.store.GetWorkspace(task.WorkspaceID)
	if err != nil {
		slog.Warn("task workspace unresolvable", "task_id", task.ID, "workspace_id", task.WorkspaceID)
		return false
	}

	limit := ws.ConcurrencyLimit
	if limit < 1 {
		limit = 1
	}
	running, err := s.store.CountRunningInWorkspace(ws.ID)
	if err != nil || running >= limit {
		return false
	}

	runner, err := s.store.GetRunner(ws.RunnerID)
	if err != nil || runner.Status != db.RunnerOnline {
		return false
	}

	if !runner.Supports(task.Backend) {
		key := fmt.Sprintf("%d:%s", runner.ID, task.Backend)
		if _, seen := s.warnedCapability[key]; !seen {
			s.warnedCapability[key] = struct{}{}
			slog.Warn("runner lacks backend capability",
				"runner", runner.Env, "backend", task.Backend)
		}
		return false
	}
	delete(s.warnedCapability, fmt.Sprintf("%d:%s", runner.ID, task.Backend))

	maxParallel := runner.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	onRunner, err := s.store.CountRunningOnRunner(runner.ID)
	if err != nil || onRunner >= maxParallel {
		return false
	}
	return true
}

// Heartbeat keeps this process's runner fresh and flips stale peers
// offline. A runner is stale once its heartbeat is older than twice the
// interval.
func (s *Scheduler) Heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.store.TouchRunner(s.runnerID); err != nil {
				slog.Error("heartbeat touch failed", "runner_id", s.runnerID, "error", err)
			}
			cutoff := time.Now().UTC().Add(-2 * s.heartbeatInterval)
			if flipped, err := s.store.MarkStaleRunnersOffline(cutoff); err != nil {
				slog.Error("stale runner sweep failed", "error", err)
			} else if flipped > 0 {
				slog.Info("marked stale runners offline", "count", flipped)
			}
		}
	}
}
