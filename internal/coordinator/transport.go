package coordinator

import (
	"context"

	"github.com/agentrelay/agentrelay/internal/coordinator/queue"
)

// Transport delivers one item to the remote agent and reports the terminal
// outcome: a nil error is success, a non-nil error is failure with reason.
// The coordinator calls Send exactly once per dispatch and never again for
// the same item unless the user requests a retry. Timeouts and backoff are
// the transport's own concern; the coordinator imposes neither.
type Transport interface {
	Send(ctx context.Context, item *queue.Item) error
}

// TransportCanceler is optionally implemented by transports that can
// attempt to terminate an in-flight send. Cancellation is best effort: the
// coordinator updates its state only when the outstanding Send returns.
type TransportCanceler interface {
	CancelSend(ctx context.Context, sessionID string) error
}
