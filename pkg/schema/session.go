package schema

import (
	"strings"
	"time"
)

// ConfidenceLevel buckets how many cases back a score.
type ConfidenceLevel string

const (
	ConfidenceNone   ConfidenceLevel = "none"
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// ValidatedThreshold is the minimum score percentage for a validated workflow.
const ValidatedThreshold = 80.0

// ConfidenceFor maps a case count to its confidence bucket.
func ConfidenceFor(count int) ConfidenceLevel {
	switch {
	case count <= 0:
		return ConfidenceNone
	case count < 10:
		return ConfidenceLow
	case count < 50:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

// Validated reports whether a score over count cases meets the bar.
func Validated(score float64, count int) bool {
	c := ConfidenceFor(count)
	return score >= ValidatedThreshold && (c == ConfidenceMedium || c == ConfidenceHigh)
}

// SessionStatus is the lifecycle state of a validation session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// CaseStrategy selects how validation cases are generated.
type CaseStrategy string

const (
	StrategyRandom        CaseStrategy = "random"
	StrategyBoundary      CaseStrategy = "boundary"
	StrategyComprehensive CaseStrategy = "comprehensive"
)

// ValidationCase is one generated input assignment. It carries no expected
// output; the human supplies that.
type ValidationCase struct {
	ID     string         `json:"id"`
	Inputs map[string]any `json:"inputs"`
}

// ValidationAnswer records a human answer against the workflow's output.
type ValidationAnswer struct {
	CaseID         string    `json:"case_id"`
	UserAnswer     string    `json:"user_answer"`
	WorkflowOutput string    `json:"workflow_output"`
	Matched        bool      `json:"matched"`
	Timestamp      time.Time `json:"timestamp"`
}

// AnswersMatch compares answers after trimming, ignoring case.
func AnswersMatch(user, output string) bool {
	return strings.EqualFold(strings.TrimSpace(user), strings.TrimSpace(output))
}

// ValidationScore counts matched answers.
type ValidationScore struct {
	Matches int `json:"matches"`
	Total   int `json:"total"`
}

// Score is the match percentage, 0 when nothing was answered.
func (s ValidationScore) Score() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Matches) / float64(s.Total) * 100
}

// Confidence buckets Total.
func (s ValidationScore) Confidence() ConfidenceLevel {
	return ConfidenceFor(s.Total)
}

// IsValidated reports whether this score meets the validated bar.
func (s ValidationScore) IsValidated() bool {
	return Validated(s.Score(), s.Total)
}
