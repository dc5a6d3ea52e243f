package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/fuzzy"
	"github.com/aitask/aitask/internal/gitx"
	"github.com/aitask/aitask/internal/sshx"
)

type createWorkspaceRequest struct {
	Path             string `json:"path"`
	DisplayName      string `json:"display_name"`
	Kind             string `json:"kind"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	SSHUser          string `json:"ssh_user"`
	ContainerName    string `json:"container_name"`
	LoginShell       string `json:"login_shell"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		JSONError(w, "path must not be empty", http.StatusUnprocessableEntity)
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = db.WorkspaceLocal
	}
	switch kind {
	case db.WorkspaceLocal, db.WorkspaceSSH, db.WorkspaceSSHContainer:
	default:
		JSONError(w, "unknown workspace kind "+kind, http.StatusUnprocessableEntity)
		return
	}
	if kind != db.WorkspaceLocal && req.Host == "" {
		// The host also rides inside the canonical ssh:// path; require the
		// explicit field so connection argv never depends on URL parsing alone.
		JSONError(w, "ssh workspaces require a host", http.StatusUnprocessableEntity)
		return
	}
	if kind == db.WorkspaceSSHContainer && req.ContainerName == "" {
		// Accept a container encoded in the canonical path, but never let an
		// ssh_container workspace degrade to plain-SSH command wrapping.
		t, err := sshx.ParseCanonical(req.Path, kind)
		if err != nil || t.Container == "" {
			JSONError(w, "ssh_container workspaces require a container name", http.StatusUnprocessableEntity)
			return
		}
		req.ContainerName = t.Container
	}

	limit, err := s.store.WorkspaceMaxParallel()
	if err != nil {
		HandleError(w, err)
		return
	}
	if req.ConcurrencyLimit > 0 {
		limit = db.ClampWorkspaceMaxParallel(req.ConcurrencyLimit)
	}
	display := strings.TrimSpace(req.DisplayName)
	if display == "" {
		display = defaultDisplayName(req.Path, kind)
	}

	ws := &db.Workspace{
		Path:             req.Path,
		DisplayName:      display,
		Kind:             kind,
		Host:             req.Host,
		Port:             req.Port,
		SSHUser:          req.SSHUser,
		ContainerName:    req.ContainerName,
		LoginShell:       req.LoginShell,
		RunnerID:         s.runnerID,
		ConcurrencyLimit: limit,
	}
	if !s.workspaceIsRepo(ws) {
		JSONError(w, "workspace path is not a git repository", http.StatusBadRequest)
		return
	}
	if err := s.store.CreateWorkspace(ws); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponseStatus(w, toWorkspaceJSON(ws), http.StatusCreated)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, _ *http.Request) {
	list, err := s.store.ListWorkspaces()
	if err != nil {
		HandleError(w, err)
		return
	}
	out := make([]workspaceJSON, 0, len(list))
	for _, ws := range list {
		out = append(out, toWorkspaceJSON(ws))
	}
	JSONResponse(w, out)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.loadWorkspace(w, r)
	if !ok {
		return
	}
	JSONResponse(w, toWorkspaceJSON(ws))
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.loadWorkspace(w, r)
	if !ok {
		return
	}
	tasks, err := s.store.ListTasks(db.TaskFilter{WorkspaceID: ws.ID})
	if err != nil {
		HandleError(w, err)
		return
	}
	for _, t := range tasks {
		if t.Status == db.StatusRunning {
			JSONError(w, "workspace has running tasks", http.StatusBadRequest)
			return
		}
	}
	// Task rows do not cascade from workspaces; remove them first.
	for _, t := range tasks {
		if err := s.store.DeleteTask(t.ID); err != nil {
			HandleError(w, err)
			return
		}
	}
	if err := s.store.DeleteWorkspace(ws.ID); err != nil {
		HandleError(w, err)
		return
	}
	NoContent(w)
}

type workspaceHealth struct {
	Reachable bool   `json:"reachable"`
	IsGit     bool   `json:"is_git"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleWorkspaceHealth(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.loadWorkspace(w, r)
	if !ok {
		return
	}
	JSONResponse(w, s.probeWorkspace(r.Context(), ws))
}

// probeWorkspace checks reachability and git-ness with short timeouts.
func (s *Server) probeWorkspace(ctx context.Context, ws *db.Workspace) workspaceHealth {
	if !ws.IsRemote() {
		host := gitx.LocalHost{}
		state, err := host.PathState(ws.Path)
		if err != nil || state == gitx.PathMissing {
			return workspaceHealth{Message: "path does not exist"}
		}
		if !gitx.NewRepo(ws.Path, s.gitRun).IsRepo() {
			return workspaceHealth{Reachable: true, Message: "not a git repository"}
		}
		return workspaceHealth{Reachable: true, IsGit: true}
	}

	path := sshx.ExtractRemotePath(ws.Path, ws.Kind)
	client := sshx.NewClient(sshx.Target{
		Host: ws.Host, Port: ws.Port, User: ws.SSHUser,
		Container: ws.ContainerName, Path: path,
	})
	if _, err := client.RunHost(ctx, "echo ok"); err != nil {
		return workspaceHealth{Message: "ssh connect failed: " + err.Error()}
	}
	repo := gitx.NewRepo(path, &sshx.GitRunner{Client: client})
	if !repo.IsRepo() {
		return workspaceHealth{Reachable: true, Message: "remote path is not a git repository"}
	}
	return workspaceHealth{Reachable: true, IsGit: true}
}

func (s *Server) handleWorkspaceResources(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.loadWorkspace(w, r)
	if !ok {
		return
	}
	JSONResponse(w, probeResources(r.Context(), ws))
}

func (s *Server) handleWorkspaceFiles(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.loadWorkspace(w, r)
	if !ok {
		return
	}
	if ws.IsRemote() {
		JSONError(w, "file suggestions are not available for ssh workspaces", http.StatusBadRequest)
		return
	}

	root := ws.Path
	if v := r.URL.Query().Get("task_id"); v != "" {
		taskID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			JSONError(w, "invalid task_id", http.StatusBadRequest)
			return
		}
		task, err := s.store.GetTask(taskID)
		if err != nil {
			HandleError(w, err)
			return
		}
		if task.WorktreePath != "" {
			root = task.WorktreePath
		}
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			JSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	matches, err := fuzzy.Search(root, r.URL.Query().Get("query"), limit)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"files": matches})
}

func (s *Server) loadWorkspace(w http.ResponseWriter, r *http.Request) (*db.Workspace, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "invalid workspace id", http.StatusBadRequest)
		return nil, false
	}
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		HandleError(w, err)
		return nil, false
	}
	return ws, true
}

// defaultDisplayName derives a name from the last path segment.
func defaultDisplayName(path, kind string) string {
	p := path
	if kind != db.WorkspaceLocal {
		p = sshx.ExtractRemotePath(path, kind)
	}
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndexAny(p, "/\\"); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return "workspace"
	}
	return p
}
