package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aitask/aitask/internal/db"
)

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "invalid task id", http.StatusBadRequest)
		return
	}
	cancelled, err := s.exec.Cancel(id)
	if err != nil {
		HandleError(w, err)
		return
	}
	if !cancelled {
		JSONError(w, "task is not in TODO or RUNNING", http.StatusBadRequest)
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, toTaskJSON(task))
}

// handleRetryTask re-queues a failed task with its prompt unchanged. The
// prompt history does not grow: nothing new was asked.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status != db.StatusFailed {
		JSONError(w, "only failed tasks can be retried", http.StatusBadRequest)
		return
	}
	task.Status = db.StatusTodo
	task.RunID = nil
	if err := s.store.SaveTask(task); err != nil {
		HandleError(w, err)
		return
	}
	s.publishStatus(task.ID, task.Status)
	JSONResponse(w, toTaskJSON(task))
}

type continueTaskRequest struct {
	Prompt string `json:"prompt"`
}

// handleContinueTask re-queues a finished task with a new prompt appended to
// the history. Continuing with the identical prompt degenerates to a retry.
func (s *Server) handleContinueTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	switch task.Status {
	case db.StatusToBeReview, db.StatusDone, db.StatusFailed:
	default:
		JSONError(w, "task must be in TO_BE_REVIEW, DONE, or FAILED to continue", http.StatusBadRequest)
		return
	}
	var req continueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		JSONError(w, "prompt must not be empty", http.StatusUnprocessableEntity)
		return
	}
	if len(req.Prompt) > s.cfg.PromptMaxChars {
		JSONError(w, fmt.Sprintf("prompt exceeds %d characters", s.cfg.PromptMaxChars),
			http.StatusUnprocessableEntity)
		return
	}

	if req.Prompt != task.Prompt {
		task.PromptHistory = append(task.PromptHistory, req.Prompt)
	}
	task.Prompt = req.Prompt
	task.Status = db.StatusTodo
	task.RunID = nil
	if err := s.store.SaveTask(task); err != nil {
		HandleError(w, err)
		return
	}
	s.publishStatus(task.ID, task.Status)
	JSONResponse(w, toTaskJSON(task))
}

func (s *Server) handleMergeTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status != db.StatusToBeReview {
		JSONError(w, "only tasks in TO_BE_REVIEW can be merged", http.StatusBadRequest)
		return
	}
	ws, err := s.store.GetWorkspace(task.WorkspaceID)
	if err != nil {
		HandleError(w, err)
		return
	}
	if err := s.merger.Merge(task, ws); err != nil {
		s.logger.Warn("merge failed", "task_id", task.ID, "error", err)
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.completeTask(w, task, ws)
}

func (s *Server) handleMarkDone(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status != db.StatusToBeReview {
		JSONError(w, "only tasks in TO_BE_REVIEW can be marked done", http.StatusBadRequest)
		return
	}
	ws, err := s.store.GetWorkspace(task.WorkspaceID)
	if err != nil {
		HandleError(w, err)
		return
	}
	s.completeTask(w, task, ws)
}

// completeTask cleans up the worktree, transitions to DONE, and responds
// with the final task.
func (s *Server) completeTask(w http.ResponseWriter, task *db.Task, ws *db.Workspace) {
	s.merger.Cleanup(task, ws)
	task.WorktreePath = ""
	task.Status = db.StatusDone
	if err := s.store.SaveTask(task); err != nil {
		HandleError(w, err)
		return
	}
	s.publishStatus(task.ID, db.StatusDone)
	JSONResponse(w, toTaskJSON(task))
}
