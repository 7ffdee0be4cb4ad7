package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/coordinator/queue"
)

func newTestManager(t *testing.T) (*Manager, *fakeTransport, *memStore) {
	t.Helper()
	ft := newFakeTransport()
	st := newMemStore()
	m := NewManager(testQueueConfig(), st, ft, nil, testLogger(t))
	return m, ft, st
}

func TestManagerCreatesPerSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	a := m.Coordinator("sess-a")
	b := m.Coordinator("sess-b")
	assert.NotSame(t, a, b)

	// Same session returns the same coordinator.
	assert.Same(t, a, m.Coordinator("sess-a"))

	assert.Equal(t, []string{"sess-a", "sess-b"}, m.Sessions())
}

func TestManagerGet(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, ok := m.Get("missing")
	assert.False(t, ok)

	created := m.Coordinator("sess-a")
	got, ok := m.Get("sess-a")
	require.True(t, ok)
	assert.Same(t, created, got)
}

func TestManagerSessionIsolation(t *testing.T) {
	ctx := context.Background()
	m, ft, _ := newTestManager(t)

	// Busy state in one session never gates another.
	m.Coordinator("sess-a").SetBusySignal(ctx, SignalStreaming, true)

	item, err := m.Coordinator("sess-b").Submit(ctx, "independent", nil, queue.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, item.ID, ft.awaitSend(t).ID)
	ft.results <- nil
	awaitState(t, m.Coordinator("sess-b"), StateIdle)

	assert.Equal(t, StateIdle, m.Coordinator("sess-b").Snapshot().State)
	assert.True(t, m.Coordinator("sess-a").IsBusy())
	assert.False(t, m.Coordinator("sess-b").IsBusy())
}

func TestManagerDeleteSession(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestManager(t)

	c := m.Coordinator("sess-a")
	c.SetBusySignal(ctx, SignalStreaming, true)
	_, err := c.Submit(ctx, "queued", nil, queue.PriorityNormal)
	require.NoError(t, err)
	require.NotNil(t, st.Load("sess-a"))

	m.DeleteSession(ctx, "sess-a")

	_, ok := m.Get("sess-a")
	assert.False(t, ok)
	assert.Nil(t, st.Load("sess-a"))

	// A fresh coordinator for the same id starts empty.
	assert.Empty(t, m.Coordinator("sess-a").Snapshot().Items)
}
