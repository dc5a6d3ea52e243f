package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aitask/aitask/internal/db"
)

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "run_id")
	if !ok {
		JSONError(w, "invalid run id", http.StatusBadRequest)
		return
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, toRunJSON(run))
}

// handleStreamLog streams a run's log over SSE: one initial snapshot event,
// then appended deltas each poll, then a terminal `complete` event once the
// run has ended. Bytes are delivered once, in blob order.
func (s *Server) handleStreamLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "run_id")
	if !ok {
		JSONError(w, "invalid run id", http.StatusBadRequest)
		return
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		HandleError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		JSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent(w, "log", map[string]any{"text": run.LogBlob})
	flusher.Flush()
	cursor := len(run.LogBlob)

	if run.EndedAt != nil {
		writeComplete(w, run)
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(s.streamPoll)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			run, err = s.store.GetRun(id)
			if err != nil {
				return
			}
			if len(run.LogBlob) > cursor {
				writeEvent(w, "log", map[string]any{"text": run.LogBlob[cursor:]})
				cursor = len(run.LogBlob)
				flusher.Flush()
			}
			if run.EndedAt != nil {
				writeComplete(w, run)
				flusher.Flush()
				return
			}
			// The run row should always be ended before its task leaves
			// TODO/RUNNING; close out if that does not hold.
			if task, err := s.store.GetTask(run.TaskID); err == nil {
				if task.Status != db.StatusTodo && task.Status != db.StatusRunning {
					writeComplete(w, run)
					flusher.Flush()
					return
				}
			}
		}
	}
}

func writeComplete(w http.ResponseWriter, run *db.Run) {
	payload := map[string]any{"run_id": run.ID, "exit_code": run.ExitCode}
	if run.EndedAt != nil {
		payload["ended_at"] = formatTime(*run.EndedAt)
	} else {
		payload["ended_at"] = nil
	}
	writeEvent(w, "complete", payload)
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
