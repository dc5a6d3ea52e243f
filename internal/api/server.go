// Package api is the HTTP/JSON surface: task CRUD and control, log
// snapshots and SSE streaming, workspace probes, settings, and the
// websocket event feed.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aitask/aitask/internal/config"
	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/events"
	"github.com/aitask/aitask/internal/gitx"
)

// Executor is what the API needs from the task executor.
type Executor interface {
	Cancel(taskID int64) (bool, error)
}

// Merger is what the API needs from the merge engine.
type Merger interface {
	Merge(task *db.Task, ws *db.Workspace) error
	Cleanup(task *db.Task, ws *db.Workspace)
}

// Server hosts the REST and websocket endpoints.
type Server struct {
	cfg    *config.Config
	store  *db.Store
	exec   Executor
	merger Merger
	pub    events.Publisher
	mux    *http.ServeMux
	logger *slog.Logger
	ws     *WSHandler

	// runnerID is the runner new workspaces attach to.
	runnerID int64

	gitRun     gitx.CommandRunner
	streamPoll time.Duration
}

// New creates the API server and registers its routes.
func New(cfg *config.Config, store *db.Store, exec Executor, merger Merger, pub events.Publisher, runnerID int64) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		exec:       exec,
		merger:     merger,
		pub:        pub,
		mux:        http.NewServeMux(),
		logger:     slog.Default(),
		runnerID:   runnerID,
		gitRun:     gitx.NewExecRunner(),
		streamPoll: time.Second,
	}
	s.ws = NewWSHandler(pub, s.logger)
	s.registerRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin(r))
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	s.mux.HandleFunc("GET /api/health", cors(s.handleHealth))

	// Tasks
	s.mux.HandleFunc("GET /api/tasks", cors(s.handleListTasks))
	s.mux.HandleFunc("POST /api/tasks", cors(s.handleCreateTask))
	s.mux.HandleFunc("GET /api/tasks/next-number", cors(s.handleNextTaskNumber))
	s.mux.HandleFunc("GET /api/tasks/{id}", cors(s.handleGetTask))
	s.mux.HandleFunc("PATCH /api/tasks/{id}", cors(s.handleUpdateTask))
	s.mux.HandleFunc("DELETE /api/tasks/{id}", cors(s.handleDeleteTask))

	// Task control
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", cors(s.handleCancelTask))
	s.mux.HandleFunc("POST /api/tasks/{id}/retry", cors(s.handleRetryTask))
	s.mux.HandleFunc("POST /api/tasks/{id}/continue", cors(s.handleContinueTask))
	s.mux.HandleFunc("POST /api/tasks/{id}/merge", cors(s.handleMergeTask))
	s.mux.HandleFunc("POST /api/tasks/{id}/mark-done", cors(s.handleMarkDone))

	// Run logs
	s.mux.HandleFunc("GET /api/logs/{run_id}", cors(s.handleGetLog))
	s.mux.HandleFunc("GET /api/logs/{run_id}/stream", cors(s.handleStreamLog))

	// Workspaces
	s.mux.HandleFunc("GET /api/workspaces", cors(s.handleListWorkspaces))
	s.mux.HandleFunc("POST /api/workspaces", cors(s.handleCreateWorkspace))
	s.mux.HandleFunc("GET /api/workspaces/{id}", cors(s.handleGetWorkspace))
	s.mux.HandleFunc("DELETE /api/workspaces/{id}", cors(s.handleDeleteWorkspace))
	s.mux.HandleFunc("GET /api/workspaces/{id}/health", cors(s.handleWorkspaceHealth))
	s.mux.HandleFunc("GET /api/workspaces/{id}/resources", cors(s.handleWorkspaceResources))
	s.mux.HandleFunc("GET /api/workspaces/{id}/files", cors(s.handleWorkspaceFiles))

	// Runners, settings, usage, quota
	s.mux.HandleFunc("GET /api/runners", cors(s.handleListRunners))
	s.mux.HandleFunc("GET /api/settings", cors(s.handleGetSettings))
	s.mux.HandleFunc("PUT /api/settings", cors(s.handleUpdateSettings))
	s.mux.HandleFunc("GET /api/usage", cors(s.handleUsage))
	s.mux.HandleFunc("GET /api/quota", cors(s.handleQuotaStates))

	// Live event feed
	s.mux.HandleFunc("GET /api/events/ws", s.ws.ServeHTTP)
}

// allowOrigin echoes the request origin when the configuration allows it.
func (s *Server) allowOrigin(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return "*"
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return origin
		}
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	JSONResponse(w, map[string]string{"status": "ok"})
}

// pathID parses the {id} path segment.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) publishStatus(taskID int64, status string) {
	s.pub.Publish(events.Event{Kind: events.KindStatus, TaskID: taskID, Status: status})
}
