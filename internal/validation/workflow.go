package validation

import (
	"context"
	"encoding/json"

	"github.com/rendis/verdict/internal/expressions"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (block invariants, ids, connection endpoints)
// 2. Semantic (conditions, variables, workflow references)
// 3. Graph (start block, reachability, loops)
type WorkflowValidator struct {
	documents *DocumentValidator
	eval      *expressions.Evaluator
	lookup    store.WorkflowGetter
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip checks against referenced workflows.
func NewWorkflowValidator(eval *expressions.Evaluator, lookup store.WorkflowGetter) (*WorkflowValidator, error) {
	docs, err := NewDocumentValidator()
	if err != nil {
		return nil, err
	}
	if eval == nil {
		eval = expressions.NewEvaluator()
	}
	return &WorkflowValidator{documents: docs, eval: eval, lookup: lookup}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(ctx context.Context, wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	// Stage 1: Structural.
	result := wf.Structure()
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(ctx, wf, wv.eval, wv.lookup))

	// Stage 3: Graph (skip if semantic errors).
	if result.Valid() {
		result.Merge(validateGraph(wf))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(ctx context.Context, wf *schema.Workflow) error {
	return wv.Validate(ctx, wf).ToError()
}

// ParseDocument checks a raw JSON document against the workflow schema,
// decodes it and validates the result. The workflow is returned whenever it
// decodes, even if the result carries errors.
func (wv *WorkflowValidator) ParseDocument(ctx context.Context, raw []byte) (*schema.Workflow, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	if err := wv.documents.ValidateDocument(raw); err != nil {
		addSchemaViolations(result, err)
		return nil, result
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		result.AddError("/", schema.ErrCodeValidation, "decode workflow: "+err.Error())
		return nil, result
	}
	return &wf, wv.Validate(ctx, &wf)
}

// Documents exposes the schema validator for callers that decode documents
// themselves (YAML).
func (wv *WorkflowValidator) Documents() *DocumentValidator {
	return wv.documents
}

// addSchemaViolations converts DocumentValidator output into issues.
func addSchemaViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*schema.VerdictError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := verr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return
	}
	result.AddError("/", schema.ErrCodeValidation, verr.Message)
}

// WithLookup returns a copy of the validator resolving references through lookup.
func (wv *WorkflowValidator) WithLookup(lookup store.WorkflowGetter) *WorkflowValidator {
	cp := *wv
	cp.lookup = lookup
	return &cp
}
