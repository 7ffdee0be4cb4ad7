// Package transport delivers queued prompts to the remote agent over the
// event bus using request/reply.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/coordinator/queue"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

// ErrSendRejected is returned when the agent side replies with an error.
var ErrSendRejected = errors.New("agent rejected prompt")

// BusTransport sends prompts as request/reply exchanges on the event bus.
// The reply arrives when the agent has accepted and finished processing
// the prompt, so a successful Request is the terminal success signal.
type BusTransport struct {
	bus     bus.EventBus
	timeout time.Duration
	logger  *logger.Logger
}

// NewBusTransport creates a transport with the given per-send timeout.
func NewBusTransport(eb bus.EventBus, timeout time.Duration, log *logger.Logger) *BusTransport {
	return &BusTransport{
		bus:     eb,
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "bus-transport")),
	}
}

// Send publishes the prompt and blocks until the agent replies or the
// timeout elapses. Attachments travel by reference; the payload bytes go
// through the upload side channel, never over the bus.
func (t *BusTransport) Send(ctx context.Context, item *queue.Item) error {
	data := map[string]interface{}{
		"session_id": item.SessionID,
		"item_id":    item.ID,
		"content":    item.Content,
	}
	if item.Attachment != nil {
		data["attachment"] = map[string]interface{}{
			"mime_type": item.Attachment.MimeType,
			"size":      item.Attachment.Size,
			"ref":       item.Attachment.Ref,
		}
	}

	t.logger.Debug("sending prompt",
		zap.String("session_id", item.SessionID),
		zap.String("item_id", item.ID))

	reply, err := t.bus.Request(ctx, events.AgentPromptSend,
		bus.NewEvent(events.AgentPromptSend, "bus-transport", data), t.timeout)
	if err != nil {
		return fmt.Errorf("prompt delivery failed: %w", err)
	}

	if reason, ok := reply.Data["error"].(string); ok && reason != "" {
		return fmt.Errorf("%w: %s", ErrSendRejected, reason)
	}
	return nil
}

// CancelSend asks the agent to abort the in-flight prompt for a session.
// Fire and forget: the outstanding Send observes the outcome.
func (t *BusTransport) CancelSend(ctx context.Context, sessionID string) error {
	return t.bus.Publish(ctx, events.AgentPromptCancel,
		bus.NewEvent(events.AgentPromptCancel, "bus-transport", map[string]interface{}{
			"session_id": sessionID,
		}))
}
