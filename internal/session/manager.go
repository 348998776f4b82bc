// Package session runs validation sessions: a human answers generated cases,
// answers are compared with the workflow's own outputs, and the resulting
// score is merged into the workflow's stored statistics.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/verdict/internal/casegen"
	"github.com/rendis/verdict/internal/engine"
	"github.com/rendis/verdict/internal/logging"
	"github.com/rendis/verdict/internal/metrics"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

// DefaultCompositeWeight is the parent's share when blending with children.
const DefaultCompositeWeight = 0.5

// Config holds configuration for the manager.
type Config struct {
	Logger  *slog.Logger     // nil = slog.Default()
	Metrics *metrics.Metrics // nil = no metrics
	Now     func() time.Time // nil = time.Now
}

// Manager owns the validation session lifecycle.
type Manager struct {
	repo    store.Repository
	exec    engine.Executor
	gen     *casegen.Generator
	table   *Table
	fsm     *SessionFSM
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager wires a manager. table and fsm may be nil for an in-memory table
// and no event log.
func NewManager(repo store.Repository, exec engine.Executor, gen *casegen.Generator,
	table *Table, fsm *SessionFSM, cfg Config) *Manager {
	if table == nil {
		table = NewTable()
	}
	if fsm == nil {
		fsm = NewSessionFSM(nil)
	}
	if gen == nil {
		gen = casegen.NewGenerator(nil)
	}
	m := &Manager{
		repo:    repo,
		exec:    exec,
		gen:     gen,
		table:   table,
		fsm:     fsm,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	fsm.now = m.now
	for _, to := range ValidSessionTransitions[schema.SessionInProgress] {
		fsm.OnAfter(schema.SessionInProgress, to, func(_, _, to string) error {
			m.metrics.SessionEnded(to)
			return nil
		})
	}
	return m
}

// Table exposes the session table (used by the reaper).
func (m *Manager) Table() *Table { return m.table }

// StartSession loads the workflow, generates cases and opens a session.
func (m *Manager) StartSession(ctx context.Context, workflowID string, caseCount int, strategy schema.CaseStrategy) (string, error) {
	if strategy == "" {
		strategy = schema.StrategyRandom
	}
	wf, err := m.loadWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	cases, err := m.gen.ForStrategy(wf, strategy, caseCount)
	if err != nil {
		return "", err
	}

	now := m.now().UTC()
	s := &Session{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     schema.SessionInProgress,
		Strategy:   strategy,
		Cases:      cases,
		Answers:    []schema.ValidationAnswer{},
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.fsm.Record(ctx, s, schema.EventSessionStarted,
		schema.SessionStartedPayload{Strategy: strategy, CaseCount: len(cases)}); err != nil {
		return "", err
	}
	m.table.put(s)

	m.metrics.CasesGenerated(string(strategy), len(cases))
	m.metrics.SessionStarted()
	m.log(ctx, s).Info("validation session started", "strategy", strategy, "cases", len(cases))
	return s.ID, nil
}

// GetCurrentCase returns the next unanswered case, or nil when the session is
// finished or out of cases.
func (m *Manager) GetCurrentCase(sessionID string) (*schema.ValidationCase, error) {
	var out *schema.ValidationCase
	err := m.table.with(sessionID, func(s *Session) error {
		if s.Status.IsTerminal() || s.Exhausted() {
			return nil
		}
		c := s.Cases[s.CurrentIndex]
		out = &c
		return nil
	})
	return out, err
}

// SubmitAnswer runs the workflow on the current case, compares the human's
// answer with its output and advances. An execution failure is compared as
// the string "ERROR: <message>".
func (m *Manager) SubmitAnswer(ctx context.Context, sessionID, userAnswer string) (*schema.ValidationAnswer, error) {
	var out *schema.ValidationAnswer
	err := m.table.with(sessionID, func(s *Session) error {
		if err := acceptsWork(s); err != nil {
			return err
		}
		wf, err := m.loadWorkflow(ctx, s.WorkflowID)
		if err != nil {
			return err
		}

		c := s.Cases[s.CurrentIndex]
		res := m.exec.Execute(logging.WithSessionID(ctx, s.ID), wf, c.Inputs)
		output := res.Output
		if res.Error != nil {
			output = "ERROR: " + res.Error.Message
		}

		answer := schema.ValidationAnswer{
			CaseID:         c.ID,
			UserAnswer:     userAnswer,
			WorkflowOutput: output,
			Matched:        schema.AnswersMatch(userAnswer, output),
			Timestamp:      m.now().UTC(),
		}
		if err := m.fsm.Record(ctx, s, schema.EventCaseAnswered, schema.CaseAnsweredPayload{
			CaseID:         answer.CaseID,
			UserAnswer:     answer.UserAnswer,
			WorkflowOutput: answer.WorkflowOutput,
			Matched:        answer.Matched,
		}); err != nil {
			return err
		}

		s.Answers = append(s.Answers, answer)
		s.CurrentIndex++
		s.UpdatedAt = answer.Timestamp
		m.metrics.AnswerSubmitted(answer.Matched)
		out = &answer
		return nil
	})
	return out, err
}

// SkipCase advances past the current case without recording an answer. It
// returns false when there is nothing to skip.
func (m *Manager) SkipCase(ctx context.Context, sessionID string) (bool, error) {
	skipped := false
	err := m.table.with(sessionID, func(s *Session) error {
		if s.Status.IsTerminal() || s.Exhausted() {
			return nil
		}
		c := s.Cases[s.CurrentIndex]
		if err := m.fsm.Record(ctx, s, schema.EventCaseSkipped, schema.CaseSkippedPayload{CaseID: c.ID}); err != nil {
			return err
		}
		s.CurrentIndex++
		s.Skipped++
		s.UpdatedAt = m.now().UTC()
		skipped = true
		return nil
	})
	return skipped, err
}

// GetScore aggregates the answers recorded so far. Nothing is persisted.
func (m *Manager) GetScore(sessionID string) (schema.ValidationScore, error) {
	var score schema.ValidationScore
	err := m.table.with(sessionID, func(s *Session) error {
		score = s.Score()
		return nil
	})
	return score, err
}

// CompleteSession merges the session's score into the workflow's cumulative
// statistics, persists them and marks the session completed. It returns the
// merged score. Completing an already completed session returns the score
// computed the first time. Stats are written before the status flips, so a
// failed write leaves the session in progress and the call can be retried.
func (m *Manager) CompleteSession(ctx context.Context, sessionID string) (schema.ValidationScore, error) {
	var merged schema.ValidationScore
	err := m.table.with(sessionID, func(s *Session) error {
		if s.Status == schema.SessionCompleted && s.Merged != nil {
			merged = *s.Merged
			return nil
		}
		if err := m.fsm.Check(s.ID, s.Status, schema.SessionCompleted); err != nil {
			return err
		}

		wf, err := m.loadWorkflow(ctx, s.WorkflowID)
		if err != nil {
			return err
		}
		sessionScore := s.Score()
		merged = Merge(wf.Metadata.ValidationScore, wf.Metadata.ValidationCount, sessionScore)

		ok, err := m.repo.UpdateValidation(ctx, wf.ID, merged.Score(), merged.Total)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "persist validation score for %q: %s", wf.ID, err).WithCause(err)
		}
		if !ok {
			return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", wf.ID)
		}

		payload := schema.SessionCompletedPayload{
			Session:     sessionScore,
			MergedScore: merged.Score(),
			MergedCount: merged.Total,
		}
		if err := m.fsm.Transition(ctx, s, schema.SessionCompleted, payload); err != nil {
			// Stats are already persisted; flipping anyway keeps a retry
			// from merging the same answers twice.
			m.log(ctx, s).Warn("session completed without lifecycle event", "error", err)
		}
		s.Status = schema.SessionCompleted
		s.UpdatedAt = m.now().UTC()
		s.Merged = &merged

		m.metrics.ValidationScore(wf.ID, merged.Score())
		m.log(ctx, s).Info("validation session completed",
			"matches", sessionScore.Matches, "total", sessionScore.Total,
			"merged_score", merged.Score(), "merged_count", merged.Total)
		return nil
	})
	return merged, err
}

// AbandonSession ends a session without touching stored statistics.
func (m *Manager) AbandonSession(ctx context.Context, sessionID string) error {
	return m.table.with(sessionID, func(s *Session) error {
		if err := m.fsm.Transition(ctx, s, schema.SessionAbandoned, nil); err != nil {
			return err
		}
		s.Status = schema.SessionAbandoned
		s.UpdatedAt = m.now().UTC()
		m.log(ctx, s).Info("validation session abandoned", "answered", len(s.Answers))
		return nil
	})
}

// Session returns a snapshot of the session.
func (m *Manager) Session(sessionID string) (*Session, error) {
	return m.table.Get(sessionID)
}

// CompositeScore blends a workflow's stored score with those of the
// workflows it references directly. weight is the parent's share.
func (m *Manager) CompositeScore(ctx context.Context, workflowID string, weight float64) (schema.ValidationScore, error) {
	wf, err := m.loadWorkflow(ctx, workflowID)
	if err != nil {
		return schema.ValidationScore{}, err
	}
	seen := map[string]bool{wf.ID: true}
	var children []schema.ValidationScore
	for _, ref := range wf.WorkflowRefs() {
		if seen[ref.RefID] {
			continue
		}
		seen[ref.RefID] = true
		child, err := m.loadWorkflow(ctx, ref.RefID)
		if err != nil {
			return schema.ValidationScore{}, err
		}
		children = append(children, scoreOf(child.Metadata))
	}
	return CombineScores(scoreOf(wf.Metadata), children, weight), nil
}

// AbandonIdle abandons in-progress sessions not touched since cutoff and
// returns how many were abandoned.
func (m *Manager) AbandonIdle(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	for _, snap := range m.table.List() {
		if snap.Status != schema.SessionInProgress || !snap.UpdatedAt.Before(cutoff) {
			continue
		}
		err := m.table.with(snap.ID, func(s *Session) error {
			// Re-check under the session lock.
			if s.Status != schema.SessionInProgress || !s.UpdatedAt.Before(cutoff) {
				return nil
			}
			if err := m.fsm.Transition(ctx, s, schema.SessionAbandoned, nil); err != nil {
				return err
			}
			s.Status = schema.SessionAbandoned
			s.UpdatedAt = m.now().UTC()
			n++
			return nil
		})
		if err != nil && !schema.IsCode(err, schema.ErrCodeSessionNotFound) {
			return n, err
		}
	}
	return n, nil
}

// PurgeFinished drops terminal sessions last updated before cutoff.
func (m *Manager) PurgeFinished(cutoff time.Time) int {
	n := 0
	for _, s := range m.table.List() {
		if s.Status.IsTerminal() && s.UpdatedAt.Before(cutoff) {
			m.table.Delete(s.ID)
			n++
		}
	}
	return n
}

func (m *Manager) loadWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := m.repo.GetWorkflow(ctx, id)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", id).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load workflow %q: %s", id, err).WithCause(err)
	}
	return wf, nil
}

func (m *Manager) log(ctx context.Context, s *Session) *slog.Logger {
	ctx = logging.WithSessionID(logging.WithWorkflowID(ctx, s.WorkflowID), s.ID)
	return logging.LogWith(ctx, m.logger)
}

func acceptsWork(s *Session) error {
	switch {
	case s.Status.IsTerminal():
		return schema.NewErrorf(schema.ErrCodeSessionCompleted, "session %q is %s", s.ID, s.Status).
			WithDetails(map[string]any{"session_id": s.ID, "status": string(s.Status)})
	case s.Exhausted():
		return schema.NewErrorf(schema.ErrCodeSessionCompleted, "session %q has no cases left", s.ID).
			WithDetails(map[string]any{"session_id": s.ID, "answered": len(s.Answers), "skipped": s.Skipped})
	}
	return nil
}
