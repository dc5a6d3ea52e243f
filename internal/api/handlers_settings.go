package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aitask/aitask/internal/db"
)

type settingsJSON struct {
	WorkspaceMaxParallel int  `json:"workspace_max_parallel"`
	ReconcilerAutoclose  bool `json:"reconciler_autoclose"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	limit, err := s.store.WorkspaceMaxParallel()
	if err != nil {
		HandleError(w, err)
		return
	}
	autoclose, err := s.store.ReconcilerAutoclose()
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, settingsJSON{WorkspaceMaxParallel: limit, ReconcilerAutoclose: autoclose})
}

type updateSettingsRequest struct {
	WorkspaceMaxParallel *int  `json:"workspace_max_parallel"`
	ReconcilerAutoclose  *bool `json:"reconciler_autoclose"`
}

// handleUpdateSettings clamps and persists settings. A concurrency change is
// re-applied to every workspace and runner immediately.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.WorkspaceMaxParallel != nil {
		limit := db.ClampWorkspaceMaxParallel(*req.WorkspaceMaxParallel)
		if err := s.store.SetSetting(db.SettingWorkspaceMaxParallel, strconv.Itoa(limit)); err != nil {
			HandleError(w, err)
			return
		}
		if err := s.store.SetAllConcurrencyLimits(limit); err != nil {
			HandleError(w, err)
			return
		}
	}
	if req.ReconcilerAutoclose != nil {
		if err := s.store.SetSetting(db.SettingReconcilerAutoclose,
			strconv.FormatBool(*req.ReconcilerAutoclose)); err != nil {
			HandleError(w, err)
			return
		}
	}
	s.handleGetSettings(w, r)
}
