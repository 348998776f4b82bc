package session

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

// TransitionHook is called before or after a state transition of the
// session with the given id.
type TransitionHook func(sessionID, from, to string) error

// ValidSessionTransitions lists the allowed status changes. Terminal states
// have no entry.
var ValidSessionTransitions = map[schema.SessionStatus][]schema.SessionStatus{
	schema.SessionInProgress: {schema.SessionCompleted, schema.SessionAbandoned},
}

type hookKey struct {
	from, to schema.SessionStatus
}

// SessionFSM validates session status changes and writes lifecycle events to
// the event log. A nil appender disables the log.
type SessionFSM struct {
	mu       sync.Mutex
	appender store.EventAppender
	now      func() time.Time
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewSessionFSM creates a new SessionFSM that emits events via the given appender.
func NewSessionFSM(appender store.EventAppender) *SessionFSM {
	return &SessionFSM{
		appender: appender,
		now:      time.Now,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a session transition.
func (f *SessionFSM) OnBefore(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a session transition.
func (f *SessionFSM) OnAfter(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Check reports whether from -> to is allowed without performing it.
func (f *SessionFSM) Check(sessionID string, from, to schema.SessionStatus) error {
	if !slices.Contains(ValidSessionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Transition validates a status change, runs hooks and emits the matching
// event with payload. The caller owns the session and flips its status.
func (f *SessionFSM) Transition(ctx context.Context, s *Session, to schema.SessionStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := s.Status
	if err := f.Check(s.ID, from, to); err != nil {
		return err
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(s.ID, string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := sessionEventType(to); eventType != "" {
		if err := f.emit(ctx, s, eventType, payload); err != nil {
			return err
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(s.ID, string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// Record appends a non-transition event (start, answer, skip).
func (f *SessionFSM) Record(ctx context.Context, s *Session, eventType string, payload any) error {
	return f.emit(ctx, s, eventType, payload)
}

func (f *SessionFSM) emit(ctx context.Context, s *Session, eventType string, payload any) error {
	if f.appender == nil {
		return nil
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload: %s", eventType, err.Error()).WithCause(err)
		}
		raw = data
	}
	event := &schema.Event{
		SessionID:  s.ID,
		WorkflowID: s.WorkflowID,
		Type:       eventType,
		Payload:    raw,
		Timestamp:  f.now().UTC(),
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit session event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func sessionEventType(to schema.SessionStatus) string {
	switch to {
	case schema.SessionCompleted:
		return schema.EventSessionCompleted
	case schema.SessionAbandoned:
		return schema.EventSessionAbandoned
	default:
		return ""
	}
}
