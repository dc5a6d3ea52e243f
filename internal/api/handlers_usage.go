package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	runners, err := s.store.ListRunners()
	if err != nil {
		HandleError(w, err)
		return
	}
	out := make([]runnerJSON, 0, len(runners))
	for _, r := range runners {
		out = append(out, toRunnerJSON(r))
	}
	JSONResponse(w, out)
}

// handleUsage sums the numeric usage fields of every ended run, grouped per
// backend. Different backends report different field names; the aggregation
// is shape-agnostic.
func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	runs, err := s.store.ListEndedRunsWithUsage()
	if err != nil {
		HandleError(w, err)
		return
	}

	perBackend := map[string]map[string]float64{}
	counted := map[string]int{}
	for _, run := range runs {
		var usage map[string]any
		if err := json.Unmarshal([]byte(run.UsageJSON), &usage); err != nil {
			continue
		}
		totals := perBackend[run.Backend]
		if totals == nil {
			totals = map[string]float64{}
			perBackend[run.Backend] = totals
		}
		counted[run.Backend]++
		for field, v := range usage {
			if n, ok := v.(float64); ok {
				totals[field] += n
			}
		}
	}

	type backendUsage struct {
		Runs   int                `json:"runs"`
		Totals map[string]float64 `json:"totals"`
	}
	out := map[string]backendUsage{}
	for b, totals := range perBackend {
		out[b] = backendUsage{Runs: counted[b], Totals: totals}
	}
	JSONResponse(w, map[string]any{"backends": out})
}

func (s *Server) handleQuotaStates(w http.ResponseWriter, _ *http.Request) {
	states, err := s.store.ListQuotaStates()
	if err != nil {
		HandleError(w, err)
		return
	}
	out := make([]quotaJSON, 0, len(states))
	for _, q := range states {
		out = append(out, toQuotaJSON(q))
	}
	JSONResponse(w, out)
}
