package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/gitx"
	"github.com/aitask/aitask/internal/sshx"
)

type createTaskRequest struct {
	Title          string `json:"title"`
	Prompt         string `json:"prompt"`
	WorkspaceID    int64  `json:"workspace_id"`
	Backend        string `json:"backend"`
	Model          string `json:"model"`
	PermissionMode string `json:"permission_mode"`
	BranchName     string `json:"branch_name"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		JSONError(w, "title must not be empty", http.StatusUnprocessableEntity)
		return
	}
	if len(req.Prompt) > s.cfg.PromptMaxChars {
		JSONError(w, fmt.Sprintf("prompt exceeds %d characters", s.cfg.PromptMaxChars),
			http.StatusUnprocessableEntity)
		return
	}
	if !validBackend(req.Backend) {
		JSONError(w, "unknown backend "+req.Backend, http.StatusUnprocessableEntity)
		return
	}

	ws, err := s.store.GetWorkspace(req.WorkspaceID)
	if err != nil {
		HandleError(w, err)
		return
	}
	if !s.workspaceIsRepo(ws) {
		JSONError(w, "workspace path is not a git repository", http.StatusBadRequest)
		return
	}

	task := &db.Task{
		Title:          strings.TrimSpace(req.Title),
		Prompt:         req.Prompt,
		WorkspaceID:    ws.ID,
		Backend:        req.Backend,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		BranchName:     req.BranchName,
	}
	if err := s.store.CreateTask(task); err != nil {
		HandleError(w, err)
		return
	}
	s.publishStatus(task.ID, task.Status)
	JSONResponseStatus(w, toTaskJSON(task), http.StatusCreated)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := db.TaskFilter{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("workspace_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			JSONError(w, "invalid workspace_id", http.StatusBadRequest)
			return
		}
		filter.WorkspaceID = id
	}
	tasks, err := s.store.ListTasks(filter)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, toTaskListJSON(tasks))
}

func (s *Server) handleNextTaskNumber(w http.ResponseWriter, r *http.Request) {
	wsID, err := strconv.ParseInt(r.URL.Query().Get("workspace_id"), 10, 64)
	if err != nil || wsID <= 0 {
		JSONError(w, "workspace_id required", http.StatusBadRequest)
		return
	}
	ws, err := s.store.GetWorkspace(wsID)
	if err != nil {
		HandleError(w, err)
		return
	}
	n, err := s.store.NextTaskNumber(wsID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"next_number":     n,
		"suggested_title": fmt.Sprintf("%s-%d", ws.DisplayName, n),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	JSONResponse(w, toTaskJSON(task))
}

type updateTaskRequest struct {
	Title *string `json:"title"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			JSONError(w, "title must not be empty", http.StatusUnprocessableEntity)
			return
		}
		task.Title = strings.TrimSpace(*req.Title)
	}
	if err := s.store.SaveTask(task); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, toTaskJSON(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status == db.StatusRunning {
		JSONError(w, "cannot delete a running task; cancel it first", http.StatusBadRequest)
		return
	}

	// Worktree and branch removal is best-effort; the row goes regardless.
	if ws, err := s.store.GetWorkspace(task.WorkspaceID); err == nil {
		s.merger.Cleanup(task, ws)
	}
	if err := s.store.DeleteTask(task.ID); err != nil {
		HandleError(w, err)
		return
	}
	NoContent(w)
}

// loadTask resolves the {id} path parameter, writing the error response on
// failure.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "invalid task id", http.StatusBadRequest)
		return nil, false
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		HandleError(w, err)
		return nil, false
	}
	return task, true
}

func validBackend(label string) bool {
	for _, b := range db.Backends {
		if b == label {
			return true
		}
	}
	return false
}

// workspaceIsRepo probes that the workspace path is a git work tree. Remote
// probes go over SSH with the client's connect timeout.
func (s *Server) workspaceIsRepo(ws *db.Workspace) bool {
	run := s.gitRun
	path := ws.Path
	if ws.IsRemote() {
		path = sshx.ExtractRemotePath(ws.Path, ws.Kind)
		run = &sshx.GitRunner{Client: sshx.NewClient(sshx.Target{
			Host: ws.Host, Port: ws.Port, User: ws.SSHUser,
			Container: ws.ContainerName, Path: path,
		})}
	}
	return gitx.NewRepo(path, run).IsRepo()
}
