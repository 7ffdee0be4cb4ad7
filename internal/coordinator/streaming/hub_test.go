package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func awaitFrame(t *testing.T, c *Client) outboundMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg outboundMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return outboundMessage{}
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.send:
		t.Fatal("unexpected frame delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, cancel
}

func TestHubRoutesBySession(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	a := NewClient("client-a", nil, hub, testLogger(t))
	b := NewClient("client-b", nil, hub, testLogger(t))
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(a, "sess-1")
	hub.Subscribe(b, "sess-2")

	hub.Broadcast("sess-1", map[string]interface{}{"state": "queued"})

	msg := awaitFrame(t, a)
	assert.Equal(t, events.QueueSnapshotChanged, msg.Type)
	assert.Equal(t, "sess-1", msg.SessionID)
	assertNoFrame(t, b)
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	c := NewClient("client", nil, hub, testLogger(t))
	hub.Register(c)
	hub.Subscribe(c, "sess-1")

	hub.Broadcast("sess-1", "first")
	awaitFrame(t, c)

	hub.Unsubscribe(c, "sess-1")
	hub.Broadcast("sess-1", "second")
	assertNoFrame(t, c)
}

func TestHubBindBus(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()
	sub, err := hub.BindBus(eb)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	c := NewClient("client", nil, hub, testLogger(t))
	hub.Register(c)
	hub.Subscribe(c, "sess-1")

	require.NoError(t, eb.Publish(context.Background(), events.QueueSnapshotChanged,
		bus.NewEvent(events.QueueSnapshotChanged, "queue-coordinator", map[string]interface{}{
			"session_id": "sess-1",
			"snapshot":   map[string]interface{}{"state": "idle"},
		})))

	msg := awaitFrame(t, c)
	assert.Equal(t, "sess-1", msg.SessionID)
}

func TestHubClientCount(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	c := NewClient("client", nil, hub, testLogger(t))
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)
}
