package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/verdict/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-session sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this session
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM session_events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (session_id, workflow_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.WorkflowID, event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a session with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, workflow_id, event_type, payload, timestamp, sequence
		 FROM session_events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns events across sessions matching the filter, oldest first.
func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*schema.Event, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, session_id, workflow_id, event_type, payload, timestamp, sequence FROM session_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.WorkflowID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventLog reads session history back out of any Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide session replay.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// ReplaySession rebuilds a session summary from its events.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplaySession(ctx context.Context, sessionID string) (*SessionHistory, error) {
	events, err := el.store.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, storeNotFound("session", sessionID)
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s: expected %d, got %d", sessionID, expected, e.Sequence)
		}
	}

	h := &SessionHistory{
		SessionID:  sessionID,
		WorkflowID: events[0].WorkflowID,
		Status:     string(schema.SessionInProgress),
	}
	for _, e := range events {
		switch e.Type {
		case schema.EventSessionStarted:
			var p schema.SessionStartedPayload
			if err := decodePayload(e, &p); err != nil {
				return nil, err
			}
			h.Strategy = string(p.Strategy)
			h.CaseCount = p.CaseCount
			ts := e.Timestamp
			h.StartedAt = &ts

		case schema.EventCaseAnswered:
			var p schema.CaseAnsweredPayload
			if err := decodePayload(e, &p); err != nil {
				return nil, err
			}
			h.Answered++
			if p.Matched {
				h.Matches++
			}

		case schema.EventCaseSkipped:
			h.Skipped++

		case schema.EventSessionCompleted:
			h.Status = string(schema.SessionCompleted)
			ts := e.Timestamp
			h.EndedAt = &ts

		case schema.EventSessionAbandoned:
			h.Status = string(schema.SessionAbandoned)
			ts := e.Timestamp
			h.EndedAt = &ts
		}
	}
	return h, nil
}

func decodePayload(e *schema.Event, v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"decode %s payload (seq %d): %s", e.Type, e.Sequence, err.Error()).WithCause(err)
	}
	return nil
}
