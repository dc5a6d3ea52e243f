package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitask/aitask/internal/db"
)

func TestSettingsDefaults(t *testing.T) {
	ts := newTestServer(t)

	var got settingsJSON
	rec := ts.do(t, http.MethodGet, "/api/settings", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.WorkspaceMaxParallelDefault, got.WorkspaceMaxParallel)
	assert.False(t, got.ReconcilerAutoclose)
}

func TestUpdateSettings_ClampsAndReapplies(t *testing.T) {
	ts := newTestServer(t)

	var got settingsJSON
	rec := ts.do(t, http.MethodPut, "/api/settings",
		map[string]any{"workspace_max_parallel": 99}, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.WorkspaceMaxParallelMax, got.WorkspaceMaxParallel)

	// The new limit propagates to existing workspaces.
	ws, err := ts.store.GetWorkspace(ts.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkspaceMaxParallelMax, ws.ConcurrencyLimit)
}

func TestUpdateSettings_Autoclose(t *testing.T) {
	ts := newTestServer(t)

	var got settingsJSON
	rec := ts.do(t, http.MethodPut, "/api/settings",
		map[string]any{"reconciler_autoclose": true}, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.ReconcilerAutoclose)

	on, err := ts.store.ReconcilerAutoclose()
	require.NoError(t, err)
	assert.True(t, on)
}

func TestUsageAggregation(t *testing.T) {
	ts := newTestServer(t)

	run := seedRun(t, ts, "", false)
	require.NoError(t, ts.store.EndRun(run.ID, 0, "", "",
		`{"cost_usd":0.5,"num_turns":3,"model":"opus"}`))
	run2 := seedRun(t, ts, "", false)
	require.NoError(t, ts.store.EndRun(run2.ID, 0, "", "",
		`{"cost_usd":1.5,"num_turns":1}`))

	var got struct {
		Backends map[string]struct {
			Runs   int                `json:"runs"`
			Totals map[string]float64 `json:"totals"`
		} `json:"backends"`
	}
	rec := ts.do(t, http.MethodGet, "/api/usage", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	claude := got.Backends[db.BackendClaudeCode]
	assert.Equal(t, 2, claude.Runs)
	assert.InDelta(t, 2.0, claude.Totals["cost_usd"], 0.001)
	assert.InDelta(t, 4.0, claude.Totals["num_turns"], 0.001)
	// Non-numeric fields are ignored, not summed.
	_, ok := claude.Totals["model"]
	assert.False(t, ok)
}

func TestQuotaStatesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.UpsertQuotaState("claude", "", db.QuotaExhausted, "run 1"))

	var got []quotaJSON
	rec := ts.do(t, http.MethodGet, "/api/quota", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, "claude", got[0].Provider)
	assert.Equal(t, db.QuotaExhausted, got[0].State)
	assert.Equal(t, "default", got[0].AccountLabel)
}

func TestListRunnersEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var got []runnerJSON
	rec := ts.do(t, http.MethodGet, "/api/runners", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, "test", got[0].Env)
	assert.Equal(t, db.RunnerOnline, got[0].Status)
}
