package panel

import (
	"net/http"
	"sort"
	"time"

	"github.com/rendis/verdict/internal/diagram"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

// workflowSummary is one row of the workflow list.
type workflowSummary struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name,omitempty"`
	Domain          string                 `json:"domain,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	Blocks          int                    `json:"blocks"`
	ValidationScore float64                `json:"validation_score"`
	ValidationCount int                    `json:"validation_count"`
	Confidence      schema.ConfidenceLevel `json:"confidence"`
	Validated       bool                   `json:"validated"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func summarize(wf *schema.Workflow) workflowSummary {
	return workflowSummary{
		ID:              wf.ID,
		Name:            wf.Metadata.Name,
		Domain:          wf.Metadata.Domain,
		Tags:            wf.Metadata.Tags,
		Blocks:          len(wf.Blocks),
		ValidationScore: wf.Metadata.ValidationScore,
		ValidationCount: wf.Metadata.ValidationCount,
		Confidence:      wf.Metadata.Confidence(),
		Validated:       wf.Metadata.IsValidated(),
		UpdatedAt:       wf.Metadata.UpdatedAt,
	}
}

// handleWorkflows lists workflows, filtered by domain, tag and validated.
func (s *PanelServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workflows, err := s.deps.Store.ListWorkflows(r.Context(), store.WorkflowFilter{
		Domain:        q.Get("domain"),
		Tag:           q.Get("tag"),
		ValidatedOnly: queryBool(r, "validated"),
		Limit:         queryInt(r, "limit", 50),
		Offset:        queryInt(r, "offset", 0),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]workflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, summarize(wf))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

// handleWorkflowDetail returns the full workflow document.
func (s *PanelServer) handleWorkflowDetail(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleDiagram renders a workflow as svg (default), mermaid or ascii.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wf, err := s.deps.Store.GetWorkflow(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var opts []diagram.BuildOption
	if queryBool(r, "expand") {
		opts = append(opts, diagram.WithChildren(s.deps.Store))
	}
	model, err := diagram.Build(ctx, wf, opts...)
	if err != nil {
		writeErr(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "svg":
		svg, err := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(svg)
	case "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCII(model)))
	default:
		writeError(w, http.StatusBadRequest, "format must be svg, mermaid or ascii")
	}
}

// sessionSummary is one row of the live session list.
type sessionSummary struct {
	ID         string               `json:"id"`
	WorkflowID string               `json:"workflow_id"`
	Status     schema.SessionStatus `json:"status"`
	Strategy   schema.CaseStrategy  `json:"strategy"`
	Cases      int                  `json:"cases"`
	Position   int                  `json:"position"`
	Matches    int                  `json:"matches"`
	Answered   int                  `json:"answered"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// handleSessions lists sessions held in memory, most recently updated first.
func (s *PanelServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, wfID := q.Get("status"), q.Get("workflow_id")

	sessions := s.deps.Sessions.Table().List()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt) })

	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		if status != "" && string(sess.Status) != status {
			continue
		}
		if wfID != "" && sess.WorkflowID != wfID {
			continue
		}
		score := sess.Score()
		out = append(out, sessionSummary{
			ID:         sess.ID,
			WorkflowID: sess.WorkflowID,
			Status:     sess.Status,
			Strategy:   sess.Strategy,
			Cases:      len(sess.Cases),
			Position:   sess.CurrentIndex,
			Matches:    score.Matches,
			Answered:   score.Total,
			UpdatedAt:  sess.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleSessionDetail returns a live session with its cases and answers.
func (s *PanelServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Session(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionHistory rebuilds a session from the event log, so it works
// after the session left memory.
func (s *PanelServer) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	h, err := store.NewEventLog(s.deps.Store).ReplaySession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleEvents lists recorded events, newest last.
func (s *PanelServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		WorkflowID: q.Get("workflow_id"),
		Type:       q.Get("type"),
		Limit:      queryInt(r, "limit", 100),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}
	events, err := s.deps.Store.ListEvents(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleScheduler lists maintenance jobs.
func (s *PanelServer) handleScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Scheduler.Status()})
}
