package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

func publishAgentEvent(t *testing.T, eb bus.EventBus, subject, sessionID string) {
	t.Helper()
	require.NoError(t, eb.Publish(context.Background(), subject,
		bus.NewEvent(subject, "test", map[string]interface{}{"session_id": sessionID})))
}

func awaitBusy(t *testing.T, c *Coordinator, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.IsBusy() == want
	}, 2*time.Second, 10*time.Millisecond, "busy state never reached %v", want)
}

func TestWatcherDrivesBusySignals(t *testing.T) {
	log := testLogger(t)
	eb := bus.NewMemoryEventBus(log)
	defer eb.Close()

	m := NewManager(testQueueConfig(), newMemStore(), newFakeTransport(), eb, log)
	w := NewWatcher(m, eb, log)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	c := m.Coordinator("sess-1")

	publishAgentEvent(t, eb, events.AgentStreamStarted, "sess-1")
	awaitBusy(t, c, true)
	assert.True(t, c.BusySignals().Streaming)

	publishAgentEvent(t, eb, events.AgentToolStarted, "sess-1")
	require.Eventually(t, func() bool {
		return c.BusySignals().ToolExecution
	}, 2*time.Second, 10*time.Millisecond)

	// One signal clearing is not enough while the other holds.
	publishAgentEvent(t, eb, events.AgentStreamCompleted, "sess-1")
	require.Eventually(t, func() bool {
		return !c.BusySignals().Streaming
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsBusy())

	publishAgentEvent(t, eb, events.AgentToolCompleted, "sess-1")
	awaitBusy(t, c, false)
}

func TestWatcherApprovalSignal(t *testing.T) {
	log := testLogger(t)
	eb := bus.NewMemoryEventBus(log)
	defer eb.Close()

	m := NewManager(testQueueConfig(), newMemStore(), newFakeTransport(), eb, log)
	w := NewWatcher(m, eb, log)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	c := m.Coordinator("sess-1")

	publishAgentEvent(t, eb, events.AgentApprovalPending, "sess-1")
	awaitBusy(t, c, true)
	assert.True(t, c.BusySignals().PendingApproval)

	publishAgentEvent(t, eb, events.AgentApprovalDone, "sess-1")
	awaitBusy(t, c, false)
}

func TestWatcherScopesEventsToSession(t *testing.T) {
	log := testLogger(t)
	eb := bus.NewMemoryEventBus(log)
	defer eb.Close()

	m := NewManager(testQueueConfig(), newMemStore(), newFakeTransport(), eb, log)
	w := NewWatcher(m, eb, log)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	publishAgentEvent(t, eb, events.AgentStreamStarted, "sess-a")
	awaitBusy(t, m.Coordinator("sess-a"), true)
	assert.False(t, m.Coordinator("sess-b").IsBusy())
}

func TestWatcherIgnoresMalformedEvents(t *testing.T) {
	log := testLogger(t)
	eb := bus.NewMemoryEventBus(log)
	defer eb.Close()

	m := NewManager(testQueueConfig(), newMemStore(), newFakeTransport(), eb, log)
	w := NewWatcher(m, eb, log)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// No session id: dropped without creating a coordinator.
	require.NoError(t, eb.Publish(context.Background(), events.AgentStreamStarted,
		bus.NewEvent(events.AgentStreamStarted, "test", map[string]interface{}{})))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, m.Sessions())
}
