package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/verdict/pkg/schema"
)

func appendPayload(t *testing.T, s Store, sessionID, typ string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	require.NoError(t, s.AppendEvent(context.Background(), &schema.Event{
		SessionID:  sessionID,
		WorkflowID: "wf-1",
		Type:       typ,
		Payload:    raw,
	}))
}

func TestAppendEvent_SequencePerSession(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				appendPayload(t, s, "s1", schema.EventCaseSkipped, nil)
			}
			appendPayload(t, s, "s2", schema.EventCaseSkipped, nil)

			events, err := s.GetEvents(ctx, "s1", 0)
			require.NoError(t, err)
			require.Len(t, events, 3)
			for i, e := range events {
				assert.Equal(t, int64(i+1), e.Sequence)
				assert.False(t, e.Timestamp.IsZero())
			}

			since, err := s.GetEvents(ctx, "s1", 2)
			require.NoError(t, err)
			require.Len(t, since, 1)
			assert.Equal(t, int64(3), since[0].Sequence)

			other, err := s.GetEvents(ctx, "s2", 0)
			require.NoError(t, err)
			require.Len(t, other, 1)
			assert.Equal(t, int64(1), other[0].Sequence)
		})
	}
}

func TestListEvents_Filters(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			appendPayload(t, s, "s1", schema.EventSessionStarted, nil)
			appendPayload(t, s, "s1", schema.EventCaseSkipped, nil)
			appendPayload(t, s, "s2", schema.EventSessionStarted, nil)

			started, err := s.ListEvents(context.Background(), EventFilter{Type: schema.EventSessionStarted})
			require.NoError(t, err)
			assert.Len(t, started, 2)

			byWF, err := s.ListEvents(context.Background(), EventFilter{WorkflowID: "wf-1", Limit: 2})
			require.NoError(t, err)
			assert.Len(t, byWF, 2)
		})
	}
}

func TestReplaySession(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			appendPayload(t, s, "s1", schema.EventSessionStarted,
				schema.SessionStartedPayload{Strategy: schema.StrategyBoundary, CaseCount: 4})
			appendPayload(t, s, "s1", schema.EventCaseAnswered,
				schema.CaseAnsweredPayload{CaseID: "c1", Matched: true})
			appendPayload(t, s, "s1", schema.EventCaseAnswered,
				schema.CaseAnsweredPayload{CaseID: "c2", Matched: false})
			appendPayload(t, s, "s1", schema.EventCaseSkipped, schema.CaseSkippedPayload{CaseID: "c3"})
			appendPayload(t, s, "s1", schema.EventSessionCompleted, nil)

			h, err := NewEventLog(s).ReplaySession(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, "wf-1", h.WorkflowID)
			assert.Equal(t, string(schema.SessionCompleted), h.Status)
			assert.Equal(t, "boundary", h.Strategy)
			assert.Equal(t, 4, h.CaseCount)
			assert.Equal(t, 2, h.Answered)
			assert.Equal(t, 1, h.Matches)
			assert.Equal(t, 1, h.Skipped)
			assert.NotNil(t, h.StartedAt)
			assert.NotNil(t, h.EndedAt)
		})
	}
}

func TestReplaySession_Unknown(t *testing.T) {
	_, err := NewEventLog(NewMemoryStore()).ReplaySession(context.Background(), "nope")
	assert.True(t, schema.IsNotFound(err))
}
