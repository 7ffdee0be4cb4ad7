// Package coordinator drives single-flight execution of queued session
// messages against a remote agent transport.
package coordinator

import "sync"

// Signal identifies one of the independent busy inputs for a session.
type Signal string

const (
	SignalStreaming       Signal = "streaming"
	SignalToolExecution   Signal = "tool_execution"
	SignalPendingApproval Signal = "pending_approval"
)

// BusySignals is a read-only view of the aggregated busy state.
type BusySignals struct {
	Streaming       bool `json:"streaming"`
	ToolExecution   bool `json:"tool_execution"`
	PendingApproval bool `json:"pending_approval"`
	IsBusy          bool `json:"is_busy"`
}

// busyState reduces the three independent session signals into one gate.
// IsBusy is the logical OR: false only when every constituent is false.
// No single signal is authoritative.
type busyState struct {
	mu              sync.Mutex
	streaming       bool
	toolExecution   bool
	pendingApproval bool
}

// set updates one signal and reports whether the aggregate transitioned
// from busy to idle.
func (b *busyState) set(signal Signal, value bool) (becameIdle bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasBusy := b.isBusyLocked()
	switch signal {
	case SignalStreaming:
		b.streaming = value
	case SignalToolExecution:
		b.toolExecution = value
	case SignalPendingApproval:
		b.pendingApproval = value
	}
	return wasBusy && !b.isBusyLocked()
}

func (b *busyState) isBusyLocked() bool {
	return b.streaming || b.toolExecution || b.pendingApproval
}

// isBusy reports the current OR-combined state.
func (b *busyState) isBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isBusyLocked()
}

// snapshot returns the individual signals and the aggregate.
func (b *busyState) snapshot() BusySignals {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BusySignals{
		Streaming:       b.streaming,
		ToolExecution:   b.toolExecution,
		PendingApproval: b.pendingApproval,
		IsBusy:          b.isBusyLocked(),
	}
}
