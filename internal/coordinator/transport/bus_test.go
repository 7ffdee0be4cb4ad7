package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/coordinator/queue"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func testItem(t *testing.T, att *queue.Attachment) *queue.Item {
	t.Helper()
	limits := queue.Limits{MaxContentLength: 1024, MaxAttachmentSize: 1024, InlineLimit: 8}
	item, err := queue.NewItem("sess-1", "run the tests", att, queue.PriorityNormal, limits)
	require.NoError(t, err)
	return item
}

// respondWith registers a prompt responder that replies with the given data.
func respondWith(t *testing.T, eb bus.EventBus, data map[string]interface{}, received chan<- *bus.Event) {
	t.Helper()
	_, err := eb.Subscribe(events.AgentPromptSend, func(ctx context.Context, event *bus.Event) error {
		if received != nil {
			received <- event
		}
		reply, _ := event.Data["_reply"].(string)
		return eb.Publish(ctx, reply, bus.NewEvent("reply", "test-agent", data))
	})
	require.NoError(t, err)
}

func TestSendSuccess(t *testing.T) {
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()

	received := make(chan *bus.Event, 1)
	respondWith(t, eb, map[string]interface{}{"ok": true}, received)

	tr := NewBusTransport(eb, time.Second, testLogger(t))
	item := testItem(t, nil)
	require.NoError(t, tr.Send(context.Background(), item))

	event := <-received
	assert.Equal(t, "sess-1", event.Data["session_id"])
	assert.Equal(t, item.ID, event.Data["item_id"])
	assert.Equal(t, "run the tests", event.Data["content"])
}

func TestSendAttachmentTravelsByReference(t *testing.T) {
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()

	received := make(chan *bus.Event, 1)
	respondWith(t, eb, map[string]interface{}{"ok": true}, received)

	limits := queue.Limits{MaxContentLength: 1024, MaxAttachmentSize: 1024, InlineLimit: 1024}
	att, err := queue.NewAttachment([]byte("inline payload"), "text/plain", limits)
	require.NoError(t, err)
	require.True(t, att.Inline())

	tr := NewBusTransport(eb, time.Second, testLogger(t))
	require.NoError(t, tr.Send(context.Background(), testItem(t, att)))

	event := <-received
	sent, ok := event.Data["attachment"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, att.Ref, sent["ref"])
	assert.Equal(t, "text/plain", sent["mime_type"])
	// Payload bytes never ride on the bus, inlined or not.
	assert.NotContains(t, sent, "data")
}

func TestSendAgentError(t *testing.T) {
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()

	respondWith(t, eb, map[string]interface{}{"error": "model overloaded"}, nil)

	tr := NewBusTransport(eb, time.Second, testLogger(t))
	err := tr.Send(context.Background(), testItem(t, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendRejected)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestSendTimeout(t *testing.T) {
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()

	// No responder subscribed: the request must time out, not hang.
	tr := NewBusTransport(eb, 50*time.Millisecond, testLogger(t))
	err := tr.Send(context.Background(), testItem(t, nil))
	assert.Error(t, err)
}

func TestCancelSend(t *testing.T) {
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()

	received := make(chan *bus.Event, 1)
	_, err := eb.Subscribe(events.AgentPromptCancel, func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	tr := NewBusTransport(eb, time.Second, testLogger(t))
	require.NoError(t, tr.CancelSend(context.Background(), "sess-1"))

	select {
	case event := <-received:
		assert.Equal(t, "sess-1", event.Data["session_id"])
	case <-time.After(time.Second):
		t.Fatal("cancel event never published")
	}
}
