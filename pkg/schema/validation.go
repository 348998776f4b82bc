package schema

import (
	"fmt"
	"slices"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. BlockID names
// the offending block when there is one, so editors can show the issue next
// to the input, condition or reference it concerns.
type ValidationIssue struct {
	Path     string             `json:"path"`
	BlockID  string             `json:"block_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects every issue of a definition instead of stopping
// at the first one.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether there are no errors. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a workflow-level error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.AddBlockError("", path, code, message)
}

// AddWarning records a workflow-level warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.AddBlockWarning("", path, code, message)
}

// AddBlockError records an error attributed to one block.
func (r *ValidationResult) AddBlockError(blockID, path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, BlockID: blockID, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddBlockWarning records a warning attributed to one block.
func (r *ValidationResult) AddBlockWarning(blockID, path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, BlockID: blockID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ForBlock returns the errors and then the warnings attributed to a block.
func (r *ValidationResult) ForBlock(blockID string) []ValidationIssue {
	var out []ValidationIssue
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, is := range list {
			if is.BlockID == blockID && blockID != "" {
				out = append(out, is)
			}
		}
	}
	return out
}

// FailingBlocks lists the ids of blocks with at least one error, sorted.
func (r *ValidationResult) FailingBlocks() []string {
	var ids []string
	for _, is := range r.Errors {
		if is.BlockID != "" && !slices.Contains(ids, is.BlockID) {
			ids = append(ids, is.BlockID)
		}
	}
	slices.Sort(ids)
	return ids
}

// ToError converts the result to a VerdictError, or nil when valid. When
// every error concerns the same block the error carries that block id.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	err := NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":    len(r.Errors),
			"warning_count":  len(r.Warnings),
			"errors":         r.Errors,
			"warnings":       r.Warnings,
			"failing_blocks": r.FailingBlocks(),
		})
	if blocks := r.FailingBlocks(); len(blocks) == 1 && r.allOnBlock(blocks[0]) {
		err = err.WithBlock(blocks[0])
	}
	return err
}

func (r *ValidationResult) allOnBlock(id string) bool {
	for _, is := range r.Errors {
		if is.BlockID != id {
			return false
		}
	}
	return true
}
