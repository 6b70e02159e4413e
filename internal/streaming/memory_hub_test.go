package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/pkg/schema"
)

func event(typ, executionID, workflowID string) schema.ProgressEvent {
	return schema.ProgressEvent{
		Type:        typ,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Timestamp:   time.Now().UTC(),
	}
}

func recv(t *testing.T, ch <-chan schema.ProgressEvent) schema.ProgressEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return schema.ProgressEvent{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	hub.Publish(event(schema.EventStepStarted, "exec-1", "wf-1"))

	assert.Equal(t, "exec-1", recv(t, ch1).ExecutionID)
	assert.Equal(t, "exec-1", recv(t, ch2).ExecutionID)
}

func TestFilterByExecutionAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		ExecutionID: "exec-1",
		Types:       []string{schema.EventStepCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	hub.Publish(event(schema.EventStepCompleted, "exec-2", "wf-1")) // wrong execution
	hub.Publish(event(schema.EventStepStarted, "exec-1", "wf-1"))   // wrong type
	hub.Publish(event(schema.EventStepCompleted, "exec-1", "wf-1"))

	got := recv(t, ch)
	assert.Equal(t, schema.EventStepCompleted, got.Type)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Empty(t, ch)
}

func TestFilterByWorkflow(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{WorkflowID: "wf-2"})
	require.NoError(t, err)
	defer cancel()

	hub.Publish(event(schema.EventExecutionStarted, "exec-1", "wf-1"))
	hub.Publish(event(schema.EventExecutionStarted, "exec-2", "wf-2"))

	assert.Equal(t, "wf-2", recv(t, ch).WorkflowID)
	assert.Empty(t, ch)
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)

	cancel()
	hub.Publish(event(schema.EventStepStarted, "exec-1", "wf-1"))
	assert.Empty(t, ch)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub()
	_, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Nobody reads; overflow past the channel buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultChannelBuffer+10; i++ {
			hub.Publish(event(schema.EventStepStarted, "exec-1", "wf-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestSubscribeRejectsCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}
