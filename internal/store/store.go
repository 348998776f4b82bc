package store

import (
	"context"

	"github.com/rendis/verdict/pkg/schema"
)

// WorkflowGetter resolves workflows by id. The executor needs nothing more.
type WorkflowGetter interface {
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
}

// Repository is what validation sessions need: lookup plus writing back the
// accumulated score. UpdateValidation reports false when the workflow is absent.
type Repository interface {
	WorkflowGetter
	UpdateValidation(ctx context.Context, id string, score float64, count int) (bool, error)
}

// EventAppender appends session events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	Repository
	EventAppender

	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Session events (append-only)
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*schema.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*schema.Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
