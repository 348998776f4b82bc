package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// handleExecute runs a stored workflow with a JSON object of inputs.
// ?trace=1 returns the step record as well.
func (s *PanelServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wf, err := s.deps.Store.GetWorkflow(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	inputs := map[string]any{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	if queryBool(r, "trace") {
		writeJSON(w, http.StatusOK, s.deps.Executor.Trace(ctx, wf, inputs))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Executor.Execute(ctx, wf, inputs))
}

// handleDeleteWorkflow removes a workflow definition. Its events stay.
func (s *PanelServer) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteWorkflow(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	s.deps.Logger.Info("workflow deleted via panel", "workflow_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "workflow_id": id})
}

// handleAbandonSession ends an in-progress session without scoring it.
func (s *PanelServer) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.AbandonSession(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "session_id": id})
}

// handleRunJob runs a maintenance job now.
func (s *PanelServer) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Scheduler.RunNow(r.Context(), name); err != nil {
		status := http.StatusInternalServerError
		switch {
		case strings.Contains(err.Error(), "unknown job"):
			status = http.StatusNotFound
		case strings.Contains(err.Error(), "already running"):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "job": name})
}
