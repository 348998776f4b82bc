package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

func receive(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.Event{}
}

func assertEmpty(t *testing.T, ch <-chan schema.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := schema.Event{
		SessionID:  "s-1",
		WorkflowID: "wf-1",
		Type:       schema.EventCaseAnswered,
		Payload:    []byte(`{"matched":true}`),
		Sequence:   2,
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event.SessionID, got.SessionID)
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, int64(2), got.Sequence)
	assert.JSONEq(t, `{"matched":true}`, string(got.Payload))
}

func TestFilterBySession(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{SessionID: "s-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{SessionID: "s-1", Type: schema.EventCaseSkipped}))
	require.NoError(t, hub.Publish(ctx, schema.Event{SessionID: "s-2", Type: schema.EventCaseSkipped}))

	assert.Equal(t, "s-1", receive(t, ch).SessionID)
	assertEmpty(t, ch)
}

func TestFilterByWorkflowID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{WorkflowID: "wf-1", Type: schema.EventSessionStarted}))
	require.NoError(t, hub.Publish(ctx, schema.Event{WorkflowID: "wf-2", Type: schema.EventSessionStarted}))

	assert.Equal(t, "wf-1", receive(t, ch).WorkflowID)
	assertEmpty(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventSessionCompleted, schema.EventSessionAbandoned},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{SessionID: "s-1", Type: schema.EventSessionCompleted}))
	require.NoError(t, hub.Publish(ctx, schema.Event{SessionID: "s-1", Type: schema.EventCaseAnswered}))
	require.NoError(t, hub.Publish(ctx, schema.Event{SessionID: "s-2", Type: schema.EventSessionAbandoned}))

	received := []string{receive(t, ch).Type, receive(t, ch).Type}
	assert.Equal(t, []string{schema.EventSessionCompleted, schema.EventSessionAbandoned}, received)
	assertEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, schema.Event{SessionID: "s-1", Type: schema.EventCaseAnswered}))

	for _, ch := range []<-chan schema.Event{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, "s-1", got.SessionID)
		assert.Equal(t, schema.EventCaseAnswered, got.Type)
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, schema.Event{SessionID: "s-1", Type: schema.EventCaseAnswered}))

	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")
	assert.Zero(t, hub.Len())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Fill the channel buffer then publish more. None of these should block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, schema.Event{SessionID: "s-1", Type: schema.EventCaseSkipped}))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, defaultChannelBuffer, drained)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	cancels := make([]func(), goroutines)
	for i := range goroutines {
		_, cancel, err := hub.Subscribe(ctx, EventFilter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				_ = hub.Publish(ctx, schema.Event{SessionID: "s-concurrent", Type: schema.EventCaseAnswered})
			}
		}()
	}

	// Subscribers come and go while publishers run.
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
	assert.Equal(t, goroutines, hub.Len())
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, schema.Event{SessionID: "s-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

type failingAppender struct{}

func (failingAppender) AppendEvent(context.Context, *schema.Event) error {
	return errors.New("disk full")
}

func TestPublishingAppender(t *testing.T) {
	hub := NewMemoryHub()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{SessionID: "s-1"})
	require.NoError(t, err)
	defer cancel()

	app := NewPublishingAppender(ms, hub)
	require.NoError(t, app.AppendEvent(ctx, &schema.Event{SessionID: "s-1", WorkflowID: "wf", Type: schema.EventSessionStarted}))
	require.NoError(t, app.AppendEvent(ctx, &schema.Event{SessionID: "s-1", WorkflowID: "wf", Type: schema.EventCaseAnswered}))

	first, second := receive(t, ch), receive(t, ch)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)

	stored, err := ms.GetEvents(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestPublishingAppender_FailedAppendNotPublished(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	app := NewPublishingAppender(failingAppender{}, hub)
	err = app.AppendEvent(ctx, &schema.Event{SessionID: "s-1", Type: schema.EventCaseAnswered})
	assert.Error(t, err)
	assertEmpty(t, ch)
}
