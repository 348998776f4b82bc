package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the session event log.
const (
	EventSessionStarted   = "session_started"
	EventCaseAnswered     = "case_answered"
	EventCaseSkipped      = "case_skipped"
	EventSessionCompleted = "session_completed"
	EventSessionAbandoned = "session_abandoned"
)

// Event is one append-only entry in a session's history.
type Event struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	WorkflowID string          `json:"workflow_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SessionStartedPayload is the payload of EventSessionStarted.
type SessionStartedPayload struct {
	Strategy  CaseStrategy `json:"strategy"`
	CaseCount int          `json:"case_count"`
}

// CaseAnsweredPayload is the payload of EventCaseAnswered.
type CaseAnsweredPayload struct {
	CaseID         string `json:"case_id"`
	UserAnswer     string `json:"user_answer"`
	WorkflowOutput string `json:"workflow_output"`
	Matched        bool   `json:"matched"`
}

// CaseSkippedPayload is the payload of EventCaseSkipped.
type CaseSkippedPayload struct {
	CaseID string `json:"case_id"`
}

// SessionCompletedPayload is the payload of EventSessionCompleted.
type SessionCompletedPayload struct {
	Session     ValidationScore `json:"session"`
	MergedScore float64         `json:"merged_score"`
	MergedCount int             `json:"merged_count"`
}
