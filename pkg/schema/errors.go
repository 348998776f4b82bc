package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"

	// Condition language.
	ErrCodeInvalidCondition = "INVALID_CONDITION"
	ErrCodeUnknownVariable  = "UNKNOWN_VARIABLE"
	ErrCodeEvaluation       = "EVALUATION_ERROR"

	// Traversal and composition.
	ErrCodeWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	ErrCodeCircularReference = "CIRCULAR_REFERENCE"
	ErrCodeStepLimitExceeded = "STEP_LIMIT_EXCEEDED"
	ErrCodeDeadEnd           = "DEAD_END"
	ErrCodeMissingVariable   = "MISSING_VARIABLE"
	ErrCodeSubWorkflowFailed = "SUB_WORKFLOW_FAILED"

	// Validation sessions.
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeSessionCompleted = "SESSION_COMPLETED"
)

// VerdictError is the structured error type for all engine operations.
type VerdictError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	BlockID string         `json:"block_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *VerdictError) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("[%s] block %s: %s", e.Code, e.BlockID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *VerdictError) Unwrap() error {
	return e.Cause
}

// NewError creates a new VerdictError.
func NewError(code, message string) *VerdictError {
	return &VerdictError{Code: code, Message: message}
}

// NewErrorf creates a new VerdictError with a formatted message.
func NewErrorf(code, format string, args ...any) *VerdictError {
	return &VerdictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithBlock attaches a block ID to the error.
func (e *VerdictError) WithBlock(blockID string) *VerdictError {
	e.BlockID = blockID
	return e
}

// WithCause attaches an underlying cause.
func (e *VerdictError) WithCause(err error) *VerdictError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VerdictError) WithDetails(details map[string]any) *VerdictError {
	e.Details = details
	return e
}

// IsCode reports whether the outermost VerdictError in err's chain has the given code.
func IsCode(err error, code string) bool {
	var ve *VerdictError
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// AsVerdictError converts any error to a *VerdictError, wrapping foreign
// errors under the supplied fallback code.
func AsVerdictError(err error, fallback string) *VerdictError {
	if err == nil {
		return nil
	}
	var ve *VerdictError
	if errors.As(err, &ve) {
		return ve
	}
	return NewError(fallback, err.Error()).WithCause(err)
}
