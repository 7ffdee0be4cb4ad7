package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusyStateAggregation(t *testing.T) {
	b := &busyState{}
	assert.False(t, b.isBusy())

	b.set(SignalStreaming, true)
	assert.True(t, b.isBusy())

	// Any single active signal keeps the aggregate busy.
	b.set(SignalToolExecution, true)
	b.set(SignalStreaming, false)
	assert.True(t, b.isBusy())

	b.set(SignalToolExecution, false)
	assert.False(t, b.isBusy())
}

func TestBusyStateBecameIdle(t *testing.T) {
	b := &busyState{}

	// Setting a signal on an idle state never reports an idle transition.
	assert.False(t, b.set(SignalPendingApproval, true))

	// Clearing one of two active signals is not a transition.
	b.set(SignalStreaming, true)
	assert.False(t, b.set(SignalPendingApproval, false))

	// Clearing the last active signal is.
	assert.True(t, b.set(SignalStreaming, false))

	// Clearing an already idle state is not.
	assert.False(t, b.set(SignalStreaming, false))
}

func TestBusyStateSnapshot(t *testing.T) {
	b := &busyState{}
	b.set(SignalToolExecution, true)

	snap := b.snapshot()
	assert.False(t, snap.Streaming)
	assert.True(t, snap.ToolExecution)
	assert.False(t, snap.PendingApproval)
	assert.True(t, snap.IsBusy)
}
