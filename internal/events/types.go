// Package events defines the event subjects used on the agentrelay event bus.
package events

// Inbound agent lifecycle events. These drive the per-session busy signals:
// a session is busy while the agent is streaming a response, executing a
// tool, or waiting for the user to decide on a permission request.
const (
	AgentStreamStarted   = "agent.stream.started"
	AgentStreamCompleted = "agent.stream.completed"
	AgentToolStarted     = "agent.tool.started"
	AgentToolCompleted   = "agent.tool.completed"
	AgentApprovalPending = "agent.approval.requested"
	AgentApprovalDone    = "agent.approval.resolved"
)

// Prompt execution subjects used by the bus transport adapter.
const (
	AgentPromptSend   = "agent.prompt.send"
	AgentPromptCancel = "agent.prompt.cancel"
)

// Outbound queue events published by the coordinator.
const (
	QueueItemEnqueued       = "queue.item.enqueued"
	QueueItemCancelled      = "queue.item.cancelled"
	QueueItemUpdated        = "queue.item.updated"
	QueueExecutionStarted   = "queue.execution.started"
	QueueExecutionCompleted = "queue.execution.completed"
	QueueExecutionFailed    = "queue.execution.failed"
	QueueCapacityWarning    = "queue.capacity.warning"
	QueueSnapshotChanged    = "queue.snapshot.changed"
)
