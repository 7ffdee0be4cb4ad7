package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "text",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	event := NewEvent("test.type", "test-source", map[string]interface{}{"key": "value"})
	require.NoError(t, b.Publish(context.Background(), "test.subject", event))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		assert.Equal(t, "value", e.Data["key"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("test.unsub", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "test.unsub", NewEvent("t", "s", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "test.unsub", NewEvent("t", "s", nil)))

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestMemoryEventBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()
	ctx := context.Background()

	t.Run("single token", func(t *testing.T) {
		var count int32
		sub, err := b.Subscribe("queue.*.changed", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, b.Publish(ctx, "queue.snapshot.changed", NewEvent("t", "s", nil)))
		require.NoError(t, b.Publish(ctx, "queue.item.changed", NewEvent("t", "s", nil)))
		// Missing middle token does not match.
		require.NoError(t, b.Publish(ctx, "queue.changed", NewEvent("t", "s", nil)))

		assert.Equal(t, int32(2), atomic.LoadInt32(&count))
	})

	t.Run("multi token", func(t *testing.T) {
		var count int32
		sub, err := b.Subscribe("agent.>", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, b.Publish(ctx, "agent.stream.started", NewEvent("t", "s", nil)))
		require.NoError(t, b.Publish(ctx, "agent.tool.completed", NewEvent("t", "s", nil)))
		require.NoError(t, b.Publish(ctx, "queue.item.enqueued", NewEvent("t", "s", nil)))

		assert.Equal(t, int32(2), atomic.LoadInt32(&count))
	})
}

func TestMemoryEventBusQueueGroupRoundRobin(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()
	ctx := context.Background()

	var total int32
	perSub := make([]int32, 3)
	for i := 0; i < 3; i++ {
		idx := i
		sub, err := b.QueueSubscribe("test.queue", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&total, 1)
			atomic.AddInt32(&perSub[idx], 1)
			return nil
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "test.queue", NewEvent("t", "s", nil)))
	}

	// Each event reaches exactly one group member, spread round-robin.
	assert.Equal(t, int32(6), atomic.LoadInt32(&total))
	for i := range perSub {
		assert.Equal(t, int32(2), atomic.LoadInt32(&perSub[i]))
	}
}

func TestMemoryEventBusRequestReply(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe("service.echo", func(ctx context.Context, event *Event) error {
		reply, ok := event.Data["_reply"].(string)
		if !ok {
			return nil
		}
		return b.Publish(ctx, reply, NewEvent("echo.response", "responder", map[string]interface{}{
			"echo": event.Data["message"],
		}))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	request := NewEvent("echo.request", "requester", map[string]interface{}{"message": "hello"})
	response, err := b.Request(ctx, "service.echo", request, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", response.Data["echo"])
}

func TestMemoryEventBusRequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "service.nobody",
		NewEvent("t", "s", nil), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestMemoryEventBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	assert.Error(t, b.Publish(context.Background(), "test.subject", NewEvent("t", "s", nil)))
	_, err := b.Subscribe("test.subject", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}

// Delivery must preserve publish order: snapshot consumers rely on the
// last received event being the current state.
func TestMemoryEventBusMessageOrdering(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()
	ctx := context.Background()

	const numEvents = 100
	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := b.Subscribe("test.ordering", func(ctx context.Context, event *Event) error {
		seq := event.Data["seq"].(int)
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < numEvents; i++ {
		require.NoError(t, b.Publish(ctx, "test.ordering",
			NewEvent("t", "s", map[string]interface{}{"seq": i})))
	}

	// Dispatch is synchronous, so everything has been delivered already.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, receivedOrder, numEvents)
	for i, seq := range receivedOrder {
		assert.Equal(t, i, seq)
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("queue.item.enqueued", "queue-coordinator", map[string]interface{}{"item_id": "abc"})
	after := time.Now().UTC()

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "queue.item.enqueued", event.Type)
	assert.Equal(t, "queue-coordinator", event.Source)
	assert.Equal(t, "abc", event.Data["item_id"])
	assert.False(t, event.Timestamp.Before(before))
	assert.False(t, event.Timestamp.After(after))
}
