// Package panel serves a read-mostly HTTP API over workflows, validation
// sessions and maintenance jobs, with live session events over SSE.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/verdict/internal/engine"
	"github.com/rendis/verdict/internal/scheduler"
	"github.com/rendis/verdict/internal/session"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/internal/streaming"
)

// JobRunner is the part of the scheduler the panel exposes.
type JobRunner interface {
	Status() []scheduler.JobStatus
	RunNow(ctx context.Context, name string) error
}

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Store     store.Store
	Executor  engine.Executor
	Sessions  *session.Manager
	Hub       streaming.EventHub // nil disables the SSE routes
	Scheduler JobRunner          // nil disables the scheduler routes
	Logger    *slog.Logger
}

// PanelServer serves the HTTP API.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Reads.
	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflowDetail)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleDiagram)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionDetail)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleSessionHistory)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Mutations.
	mux.HandleFunc("POST /api/workflows/{id}/execute", s.handleExecute)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/sessions/{id}/abandon", s.handleAbandonSession)

	if s.deps.Scheduler != nil {
		mux.HandleFunc("GET /api/scheduler", s.handleScheduler)
		mux.HandleFunc("POST /api/scheduler/{name}/run", s.handleRunJob)
	}

	// SSE streams.
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
		mux.HandleFunc("GET /sse/sessions/{id}", s.handleSSESession)
		mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)
	}

	return mux
}
