package validation

import (
	"context"

	"github.com/rendis/verdict/pkg/schema"
)

// Validator checks workflow definitions for correctness before they are
// stored or executed.
type Validator interface {
	ValidateDefinition(ctx context.Context, wf *schema.Workflow) error
}

var _ Validator = (*WorkflowValidator)(nil)
