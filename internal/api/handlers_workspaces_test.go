package api

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitask/aitask/internal/db"
)

func TestCreateWorkspace(t *testing.T) {
	ts := newTestServer(t)
	ts.git.repos["/home/dev/proj"] = true

	var got workspaceJSON
	rec := ts.do(t, http.MethodPost, "/api/workspaces",
		map[string]any{"path": "/home/dev/proj"}, &got)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "proj", got.DisplayName)
	assert.Equal(t, db.WorkspaceLocal, got.Kind)
	// Fresh workspaces pick up the current workspace_max_parallel setting.
	assert.Equal(t, db.WorkspaceMaxParallelDefault, got.ConcurrencyLimit)
}

func TestCreateWorkspace_Validation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/workspaces", map[string]any{"path": " "}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/workspaces",
		map[string]any{"path": "ssh://host/srv/x", "kind": db.WorkspaceSSH}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "ssh without host")

	rec = ts.do(t, http.MethodPost, "/api/workspaces",
		map[string]any{"path": "ssh://host/srv/x", "kind": db.WorkspaceSSHContainer, "host": "host"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "ssh_container without container name")

	ts.git.repos["/plain"] = false
	rec = ts.do(t, http.MethodPost, "/api/workspaces", map[string]any{"path": "/plain"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "not a git repository")
}

func TestDeleteWorkspace_RefusesWhileRunning(t *testing.T) {
	ts := newTestServer(t)
	task := db.MustCreateTask(t, ts.store, ts.ws, "t", "p", db.BackendClaudeCode)
	task.Status = db.StatusRunning
	require.NoError(t, ts.store.SaveTask(task))

	rec := ts.do(t, http.MethodDelete, "/api/workspaces/1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	task.Status = db.StatusDone
	require.NoError(t, ts.store.SaveTask(task))
	rec = ts.do(t, http.MethodDelete, "/api/workspaces/1", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWorkspaceHealth_MissingPath(t *testing.T) {
	ts := newTestServer(t)

	var got workspaceHealth
	rec := ts.do(t, http.MethodGet, "/api/workspaces/1/health", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, got.Reachable)
	assert.False(t, got.IsGit)
	assert.NotEmpty(t, got.Message)
}

func TestWorkspaceHealth_LocalRepo(t *testing.T) {
	ts := newTestServer(t)

	dir := t.TempDir()
	ts.git.repos[dir] = true
	ws := &db.Workspace{Path: dir, DisplayName: "d", Kind: db.WorkspaceLocal,
		RunnerID: ts.ws.RunnerID, ConcurrencyLimit: 1}
	require.NoError(t, ts.store.CreateWorkspace(ws))

	var got workspaceHealth
	rec := ts.do(t, http.MethodGet, "/api/workspaces/2/health", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.Reachable)
	assert.True(t, got.IsGit)
}

func TestWorkspaceFiles(t *testing.T) {
	ts := newTestServer(t)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("x"), 0o644))

	ts.git.repos[dir] = true
	ws := &db.Workspace{Path: dir, DisplayName: "d", Kind: db.WorkspaceLocal,
		RunnerID: ts.ws.RunnerID, ConcurrencyLimit: 1}
	require.NoError(t, ts.store.CreateWorkspace(ws))

	var got struct {
		Files []struct {
			Path  string `json:"path"`
			Score int    `json:"score"`
		} `json:"files"`
	}
	rec := ts.do(t, http.MethodGet, "/api/workspaces/2/files?query=main", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "src/main.go", got.Files[0].Path)
}

func TestWorkspaceFiles_RemoteRejected(t *testing.T) {
	ts := newTestServer(t)
	ws := &db.Workspace{Path: "ssh://dev@host/srv/repo", DisplayName: "r",
		Kind: db.WorkspaceSSH, Host: "host", RunnerID: ts.ws.RunnerID, ConcurrencyLimit: 1}
	require.NoError(t, ts.store.CreateWorkspace(ws))

	rec := ts.do(t, http.MethodGet, "/api/workspaces/2/files?query=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
