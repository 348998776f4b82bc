package store

import "time"

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Domain        string
	Tag           string
	ValidatedOnly bool
	Limit         int
	Offset        int
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	WorkflowID string
	Type       string
	Since      *time.Time
	Limit      int
}

// SessionHistory is a session reconstructed from its event log.
type SessionHistory struct {
	SessionID  string     `json:"session_id"`
	WorkflowID string     `json:"workflow_id"`
	Status     string     `json:"status"`
	Strategy   string     `json:"strategy,omitempty"`
	CaseCount  int        `json:"case_count"`
	Answered   int        `json:"answered"`
	Skipped    int        `json:"skipped"`
	Matches    int        `json:"matches"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}
