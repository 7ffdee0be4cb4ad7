package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

const watcherQueueGroup = "agentrelay-busy-watcher"

// signalEdge maps one agent lifecycle subject to the busy signal it drives
// and the value it sets.
type signalEdge struct {
	signal Signal
	value  bool
}

var signalEdges = map[string]signalEdge{
	events.AgentStreamStarted:   {SignalStreaming, true},
	events.AgentStreamCompleted: {SignalStreaming, false},
	events.AgentToolStarted:     {SignalToolExecution, true},
	events.AgentToolCompleted:   {SignalToolExecution, false},
	events.AgentApprovalPending: {SignalPendingApproval, true},
	events.AgentApprovalDone:    {SignalPendingApproval, false},
}

// Watcher subscribes to agent lifecycle events and feeds the per-session
// busy signals. It is the only writer of busy state; HTTP handlers and
// snapshots only read it.
type Watcher struct {
	manager *Manager
	bus     bus.EventBus
	logger  *logger.Logger
	subs    []bus.Subscription
}

// NewWatcher creates a watcher bound to the manager's sessions.
func NewWatcher(m *Manager, eb bus.EventBus, log *logger.Logger) *Watcher {
	return &Watcher{
		manager: m,
		bus:     eb,
		logger:  log.WithFields(zap.String("component", "busy-watcher")),
	}
}

// Start subscribes to every agent lifecycle subject. Queue groups keep a
// multi-instance deployment from double-applying the same edge.
func (w *Watcher) Start(ctx context.Context) error {
	for subject, edge := range signalEdges {
		sub, err := w.bus.QueueSubscribe(subject, watcherQueueGroup, w.makeHandler(edge))
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		w.subs = append(w.subs, sub)
	}
	w.logger.Info("busy watcher started", zap.Int("subjects", len(signalEdges)))
	return nil
}

func (w *Watcher) makeHandler(edge signalEdge) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		sessionID, ok := event.Data["session_id"].(string)
		if !ok || sessionID == "" {
			w.logger.Warn("agent event without session_id", zap.String("type", event.Type))
			return nil
		}
		w.manager.Coordinator(sessionID).SetBusySignal(ctx, edge.signal, edge.value)
		return nil
	}
}

// Stop unsubscribes from all subjects.
func (w *Watcher) Stop() {
	for _, sub := range w.subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	w.subs = nil
}
