package coordinator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/coordinator/queue"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

// State is the coordinator's position in the per-session lifecycle.
type State string

const (
	StateIdle      State = "idle"      // queue empty, nothing executing
	StateQueued    State = "queued"    // items waiting, nothing executing
	StateExecuting State = "executing" // exactly one item in flight
	StateFailed    State = "failed"    // head item failed, halted for user decision
)

// Resolution is the user's decision on a failed item.
type Resolution string

const (
	ResolutionRetry  Resolution = "retry"
	ResolutionSkip   Resolution = "skip"
	ResolutionEdit   Resolution = "edit"
	ResolutionCancel Resolution = "cancel"
)

// Common errors
var (
	ErrItemExecuting     = errors.New("item is currently executing")
	ErrNoFailedItem      = errors.New("no failed item to resolve")
	ErrNoExecutingItem   = errors.New("no item is currently executing")
	ErrInvalidResolution = errors.New("invalid failure resolution")
	ErrCancelUnsupported = errors.New("transport does not support cancelling an in-flight send")
)

// Store is the durable backing for a session's queue. Implementations
// absorb their own failures: Save and Delete never report errors upward
// and Load falls back to empty on unreadable state.
type Store interface {
	Save(sessionID string, items []*queue.Item)
	Load(sessionID string) []*queue.Item
	Delete(sessionID string)
}

// Snapshot is the read-only view of one session's queue handed to
// observers. Observers never mutate coordinator state through it.
type Snapshot struct {
	SessionID   string        `json:"session_id"`
	State       State         `json:"state"`
	Items       []*queue.Item `json:"items"`
	Executing   *queue.Item   `json:"executing,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Busy        BusySignals   `json:"busy"`
	MaxSize     int           `json:"max_size"`
	IsExecuting bool          `json:"is_executing"`
}

// Coordinator owns the ordered queue for a single session and drives
// single-flight execution against the transport. All mutating operations
// are serialized on one mutex; different sessions' coordinators share
// nothing mutable.
type Coordinator struct {
	sessionID string
	limits    queue.Limits
	maxSize   int
	warnAt    int

	store     Store
	transport Transport
	bus       bus.EventBus
	logger    *logger.Logger
	busy      *busyState

	mu        sync.Mutex
	queue     *queue.Queue
	executing *queue.Item // in-flight item, removed from the queue while it runs
	failedID  string      // id of the item awaiting failure resolution
	state     State
	warned    bool
}

// New creates a coordinator for one session and restores any persisted
// queue state. Dependencies are injected; the coordinator holds no global
// state.
func New(sessionID string, cfg config.QueueConfig, st Store, tr Transport, eb bus.EventBus, log *logger.Logger) *Coordinator {
	c := &Coordinator{
		sessionID: sessionID,
		limits: queue.Limits{
			MaxContentLength:  cfg.MaxContentLength,
			MaxAttachmentSize: cfg.MaxAttachmentSize,
			InlineLimit:       cfg.InlineAttachmentLimit,
		},
		maxSize:   cfg.MaxSize,
		warnAt:    cfg.WarnThreshold(),
		store:     st,
		transport: tr,
		bus:       eb,
		logger:    log.WithFields(zap.String("component", "queue-coordinator"), zap.String("session_id", sessionID)),
		busy:      &busyState{},
		queue:     queue.NewQueue(cfg.MaxSize),
		state:     StateIdle,
	}

	c.restore()
	return c
}

// restore rebuilds in-memory state from the persistence store.
func (c *Coordinator) restore() {
	items := c.store.Load(c.sessionID)
	if len(items) == 0 {
		return
	}

	c.queue.Replace(items)
	head := c.queue.Head()
	if head.LastError != "" {
		// The process went down with an unresolved failure (or mid-retry).
		// Halt until the user decides, same as before the restart.
		c.state = StateFailed
		c.failedID = head.ID
	} else {
		c.state = StateQueued
	}

	c.logger.Info("restored persisted queue",
		zap.Int("items", len(items)),
		zap.String("state", string(c.state)))
}

// SessionID returns the owning session key.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Limits returns the validation bounds applied to items of this session.
func (c *Coordinator) Limits() queue.Limits { return c.limits }

// Submit constructs a validated item and enqueues it. When the busy gate
// is open and nothing is executing, the item is dispatched immediately;
// otherwise it waits its turn.
func (c *Coordinator) Submit(ctx context.Context, content string, att *queue.Attachment, priority queue.Priority) (*queue.Item, error) {
	item, err := queue.NewItem(c.sessionID, content, att, priority, c.limits)
	if err != nil {
		return nil, err
	}
	if err := c.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Enqueue inserts an item by the priority rule and persists the result.
// A full queue rejects with queue.ErrQueueFull and remains unchanged.
// Enqueue never disturbs an in-flight item.
func (c *Coordinator) Enqueue(ctx context.Context, item *queue.Item) error {
	c.mu.Lock()

	total := c.queue.Len()
	if c.executing != nil {
		total++ // the in-flight item still occupies a capacity slot
	}
	if c.maxSize > 0 && total >= c.maxSize {
		c.mu.Unlock()
		return queue.ErrQueueFull
	}

	if err := c.withFailedHeadPinnedLocked(item.ID, func() error {
		return c.queue.Enqueue(item)
	}); err != nil {
		c.mu.Unlock()
		return err
	}

	if c.state == StateIdle {
		c.state = StateQueued
	}
	c.persistLocked()

	warn := false
	if c.warnAt > 0 && total+1 >= c.warnAt && !c.warned {
		c.warned = true
		warn = true
	}

	next := c.dispatchLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(ctx, events.QueueItemEnqueued, map[string]interface{}{
		"session_id": c.sessionID,
		"item_id":    item.ID,
		"priority":   string(item.Priority),
	})
	if warn {
		c.logger.Warn("queue nearing capacity",
			zap.Int("length", total+1),
			zap.Int("max_size", c.maxSize))
		c.publish(ctx, events.QueueCapacityWarning, map[string]interface{}{
			"session_id": c.sessionID,
			"length":     total + 1,
			"max_size":   c.maxSize,
		})
	}
	c.publishSnapshot(ctx, snap)
	c.startExecution(ctx, next)
	return nil
}

// ProcessNext starts execution of the head item. It is a no-op when an
// item is already in flight, when the session is halted on a failure,
// when the busy gate is closed, or when the queue is empty. This is the
// only path that starts execution.
func (c *Coordinator) ProcessNext(ctx context.Context) {
	c.mu.Lock()
	next := c.dispatchLocked()
	var snap *Snapshot
	if next != nil {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	if snap != nil {
		c.publishSnapshot(ctx, snap)
	}
	c.startExecution(ctx, next)
}

// dispatchLocked pops the head for execution if every gate allows it.
// Returns the item to send, or nil.
func (c *Coordinator) dispatchLocked() *queue.Item {
	if c.executing != nil || c.state == StateFailed {
		return nil
	}
	if c.busy.isBusy() {
		return nil
	}
	head := c.queue.RemoveHead()
	if head == nil {
		c.state = StateIdle
		return nil
	}
	c.executing = head
	c.state = StateExecuting
	c.persistLocked()
	return head
}

// startExecution invokes the transport exactly once for the dispatched
// item. The wait for the terminal result runs on its own goroutine; the
// coordinator stays responsive throughout.
func (c *Coordinator) startExecution(ctx context.Context, item *queue.Item) {
	if item == nil {
		return
	}

	c.logger.Info("executing queued item",
		zap.String("item_id", item.ID),
		zap.Int("attempts", item.Attempts))
	c.publish(ctx, events.QueueExecutionStarted, map[string]interface{}{
		"session_id": c.sessionID,
		"item_id":    item.ID,
		"attempts":   item.Attempts,
	})

	sent := item.Clone()
	go func() {
		// The send outlives the triggering request; it is tied to the
		// process, not to the caller's context.
		err := c.transport.Send(context.Background(), sent)
		c.finish(sent.ID, err)
	}()
}

// finish handles the transport's terminal result for an in-flight item.
func (c *Coordinator) finish(itemID string, sendErr error) {
	ctx := context.Background()

	c.mu.Lock()
	if c.executing == nil || c.executing.ID != itemID {
		c.mu.Unlock()
		c.logger.Warn("ignoring stale execution result", zap.String("item_id", itemID))
		return
	}
	item := c.executing
	c.executing = nil

	var next *queue.Item
	if sendErr == nil {
		// Success: the item is done and gone. Advance automatically.
		item.LastError = ""
		if c.queue.Len() == 0 {
			c.state = StateIdle
		} else {
			c.state = StateQueued
		}
		c.resetWarnLocked()
		c.persistLocked()
		next = c.dispatchLocked()
	} else {
		// Failure: retain the item at the head, halt until the user
		// resolves it. Attempts increment only here, never pre-send.
		item.Attempts++
		item.LastError = sendErr.Error()
		c.queue.PushFront(item)
		c.failedID = item.ID
		c.state = StateFailed
		c.persistLocked()
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if sendErr == nil {
		c.logger.Info("queued item completed", zap.String("item_id", itemID))
		c.publish(ctx, events.QueueExecutionCompleted, map[string]interface{}{
			"session_id": c.sessionID,
			"item_id":    itemID,
		})
	} else {
		c.logger.Warn("queued item failed",
			zap.String("item_id", itemID),
			zap.Int("attempts", item.Attempts),
			zap.Error(sendErr))
		c.publish(ctx, events.QueueExecutionFailed, map[string]interface{}{
			"session_id": c.sessionID,
			"item_id":    itemID,
			"attempts":   item.Attempts,
			"reason":     sendErr.Error(),
		})
	}
	c.publishSnapshot(ctx, snap)
	c.startExecution(ctx, next)
}

// Resolve applies the user's decision on a failed item. Retry and edit
// re-dispatch the same item; skip advances past it; cancel removes it and
// leaves the queue paused until the next external trigger.
func (c *Coordinator) Resolve(ctx context.Context, res Resolution, newContent string) error {
	c.mu.Lock()
	if c.state != StateFailed || c.failedID == "" {
		c.mu.Unlock()
		return ErrNoFailedItem
	}

	item, ok := c.queue.Get(c.failedID)
	if !ok {
		// Should not happen: the failed item is pinned in the queue.
		c.failedID = ""
		c.state = StateQueued
		c.mu.Unlock()
		return ErrNoFailedItem
	}

	var next *queue.Item
	switch res {
	case ResolutionRetry:
		c.failedID = ""
		c.state = StateQueued
		c.promoteLocked(item)
		next = c.dispatchLocked()

	case ResolutionEdit:
		if err := queue.Revalidate(newContent, c.limits); err != nil {
			c.mu.Unlock()
			return err
		}
		item.Content = newContent
		c.failedID = ""
		c.state = StateQueued
		c.promoteLocked(item)
		c.persistLocked()
		next = c.dispatchLocked()

	case ResolutionSkip:
		c.queue.Remove(item.ID)
		c.failedID = ""
		c.afterRemovalLocked()
		c.persistLocked()
		next = c.dispatchLocked()

	case ResolutionCancel:
		c.queue.Remove(item.ID)
		c.failedID = ""
		c.afterRemovalLocked()
		c.persistLocked()
		// No dispatch: cancel stops the queue until the next trigger.

	default:
		c.mu.Unlock()
		return ErrInvalidResolution
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("failure resolved",
		zap.String("item_id", item.ID),
		zap.String("resolution", string(res)))
	c.publishSnapshot(ctx, snap)
	c.startExecution(ctx, next)
	return nil
}

// withFailedHeadPinnedLocked runs a queue mutation with the failed head
// temporarily lifted out, so class-based inserts cannot land ahead of it.
// The failed item always keeps the head position until its resolution.
// No pinning happens when the mutation targets the failed item itself.
func (c *Coordinator) withFailedHeadPinnedLocked(targetID string, fn func() error) error {
	var pinned *queue.Item
	if c.state == StateFailed && targetID != c.failedID {
		if head := c.queue.Head(); head != nil && head.ID == c.failedID {
			pinned = c.queue.RemoveHead()
		}
	}
	err := fn()
	if pinned != nil {
		c.queue.PushFront(pinned)
	}
	return err
}

// promoteLocked pins an item at the absolute head so a retry re-sends the
// same item the failure halted on.
func (c *Coordinator) promoteLocked(item *queue.Item) {
	if head := c.queue.Head(); head != nil && head.ID == item.ID {
		return
	}
	c.queue.Remove(item.ID)
	c.queue.PushFront(item)
}

// afterRemovalLocked settles state and the warn latch after items left the queue.
func (c *Coordinator) afterRemovalLocked() {
	if c.executing != nil {
		c.state = StateExecuting
	} else if c.queue.Len() == 0 {
		c.state = StateIdle
	} else {
		c.state = StateQueued
	}
	c.resetWarnLocked()
}

func (c *Coordinator) resetWarnLocked() {
	total := c.queue.Len()
	if c.executing != nil {
		total++
	}
	if c.warnAt > 0 && total < c.warnAt {
		c.warned = false
	}
}

// Cancel removes a queued item immediately. The in-flight item cannot be
// cancelled here; that is CancelExecuting's separate, best-effort path.
// Cancelling the failed head resolves the failure without advancing.
func (c *Coordinator) Cancel(ctx context.Context, itemID string) error {
	c.mu.Lock()
	if c.executing != nil && c.executing.ID == itemID {
		c.mu.Unlock()
		return ErrItemExecuting
	}
	if !c.queue.Remove(itemID) {
		c.mu.Unlock()
		return queue.ErrItemNotFound
	}
	if c.failedID == itemID {
		c.failedID = ""
	}
	c.afterRemovalLocked()
	c.persistLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(ctx, events.QueueItemCancelled, map[string]interface{}{
		"session_id": c.sessionID,
		"item_id":    itemID,
	})
	c.publishSnapshot(ctx, snap)
	return nil
}

// CancelAll clears every waiting item. An in-flight item keeps running.
func (c *Coordinator) CancelAll(ctx context.Context) int {
	c.mu.Lock()
	dropped := c.queue.Clear()
	c.failedID = ""
	c.afterRemovalLocked()
	c.persistLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Info("queue cleared", zap.Int("dropped", dropped))
	}
	c.publish(ctx, events.QueueItemCancelled, map[string]interface{}{
		"session_id": c.sessionID,
		"cleared":    dropped,
	})
	c.publishSnapshot(ctx, snap)
	return dropped
}

// CancelExecuting asks the transport to terminate the in-flight send.
// Best effort: local state changes only when the outstanding Send returns.
func (c *Coordinator) CancelExecuting(ctx context.Context) error {
	c.mu.Lock()
	if c.executing == nil {
		c.mu.Unlock()
		return ErrNoExecutingItem
	}
	c.mu.Unlock()

	tc, ok := c.transport.(TransportCanceler)
	if !ok {
		return ErrCancelUnsupported
	}
	return tc.CancelSend(ctx, c.sessionID)
}

// Reorder moves a queued item within its priority class. The in-flight
// item is rejected; cross-class moves go through SetPriority.
func (c *Coordinator) Reorder(ctx context.Context, itemID string, toPosition int) error {
	c.mu.Lock()
	if c.executing != nil && c.executing.ID == itemID {
		c.mu.Unlock()
		return ErrItemExecuting
	}
	if err := c.withFailedHeadPinnedLocked(itemID, func() error {
		return c.queue.Reorder(itemID, toPosition)
	}); err != nil {
		c.mu.Unlock()
		return err
	}
	c.persistLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(ctx, events.QueueItemUpdated, map[string]interface{}{
		"session_id": c.sessionID,
		"item_id":    itemID,
		"change":     "reorder",
	})
	c.publishSnapshot(ctx, snap)
	return nil
}

// EditContent re-validates and replaces the content of a queued item.
func (c *Coordinator) EditContent(ctx context.Context, itemID, newContent string) error {
	c.mu.Lock()
	if c.executing != nil && c.executing.ID == itemID {
		c.mu.Unlock()
		return ErrItemExecuting
	}
	item, ok := c.queue.Get(itemID)
	if !ok {
		c.mu.Unlock()
		return queue.ErrItemNotFound
	}
	if err := queue.Revalidate(newContent, c.limits); err != nil {
		c.mu.Unlock()
		return err
	}
	item.Content = newContent
	c.persistLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(ctx, events.QueueItemUpdated, map[string]interface{}{
		"session_id": c.sessionID,
		"item_id":    itemID,
		"change":     "content",
	})
	c.publishSnapshot(ctx, snap)
	return nil
}

// SetPriority moves a queued item to another priority class using the
// enqueue insertion rule for its destination.
func (c *Coordinator) SetPriority(ctx context.Context, itemID string, priority queue.Priority) error {
	if !priority.Valid() {
		return queue.ErrInvalidPriority
	}
	c.mu.Lock()
	if c.executing != nil && c.executing.ID == itemID {
		c.mu.Unlock()
		return ErrItemExecuting
	}
	if err := c.withFailedHeadPinnedLocked(itemID, func() error {
		return c.queue.SetPriority(itemID, priority)
	}); err != nil {
		c.mu.Unlock()
		return err
	}
	c.persistLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(ctx, events.QueueItemUpdated, map[string]interface{}{
		"session_id": c.sessionID,
		"item_id":    itemID,
		"change":     "priority",
		"priority":   string(priority),
	})
	c.publishSnapshot(ctx, snap)
	return nil
}

// SetBusySignal updates one busy input. When the aggregate gate opens
// (busy to idle) the coordinator dispatches the next item automatically.
func (c *Coordinator) SetBusySignal(ctx context.Context, signal Signal, value bool) {
	becameIdle := c.busy.set(signal, value)

	c.logger.Debug("busy signal changed",
		zap.String("signal", string(signal)),
		zap.Bool("value", value),
		zap.Bool("became_idle", becameIdle))

	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishSnapshot(ctx, snap)

	if becameIdle {
		c.ProcessNext(ctx)
	}
}

// IsBusy reports the aggregated busy gate.
func (c *Coordinator) IsBusy() bool { return c.busy.isBusy() }

// BusySignals returns the individual signals and the aggregate.
func (c *Coordinator) BusySignals() BusySignals { return c.busy.snapshot() }

// Snapshot returns the read-only observer view of this session's queue.
func (c *Coordinator) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() *Snapshot {
	items := c.queue.Items()
	cloned := make([]*queue.Item, len(items))
	for i, it := range items {
		cloned[i] = it.Clone()
	}

	snap := &Snapshot{
		SessionID:   c.sessionID,
		State:       c.state,
		Items:       cloned,
		Busy:        c.busy.snapshot(),
		MaxSize:     c.maxSize,
		IsExecuting: c.executing != nil,
	}
	if c.executing != nil {
		snap.Executing = c.executing.Clone()
	}
	if c.state == StateFailed {
		if item, ok := c.queue.Get(c.failedID); ok {
			snap.LastError = item.LastError
		}
	}
	return snap
}

// persistLocked queues the full ordered list (in-flight item first) for a
// durable write. Persistence failures never surface here; the store logs
// and the queue continues with best-effort durability.
func (c *Coordinator) persistLocked() {
	items := make([]*queue.Item, 0, c.queue.Len()+1)
	if c.executing != nil {
		items = append(items, c.executing)
	}
	items = append(items, c.queue.Items()...)
	c.store.Save(c.sessionID, items)
}

func (c *Coordinator) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, subject, bus.NewEvent(subject, "queue-coordinator", data)); err != nil {
		c.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (c *Coordinator) publishSnapshot(ctx context.Context, snap *Snapshot) {
	c.publish(ctx, events.QueueSnapshotChanged, map[string]interface{}{
		"session_id": c.sessionID,
		"snapshot":   snap,
	})
}
