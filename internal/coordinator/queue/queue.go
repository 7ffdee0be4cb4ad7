package queue

import (
	"errors"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrItemNotFound is returned when the referenced id is not in the queue
	ErrItemNotFound = errors.New("item not found in queue")
	// ErrItemExists is returned when an item with the same id is already queued
	ErrItemExists = errors.New("item already exists in queue")
)

// Queue is the ordered list of pending items for one session.
//
// Ordering invariant: all urgent items precede all normal items, and within
// each priority class items appear in insertion order. The urgent block is
// always a prefix of the list.
//
// Queue is not safe for concurrent use; it is exclusively owned by the
// session's coordinator, which serializes access.
type Queue struct {
	items   []*Item
	maxSize int
}

// NewQueue creates an empty queue with the given capacity.
// A maxSize of zero or less means unbounded.
func NewQueue(maxSize int) *Queue {
	return &Queue{
		items:   make([]*Item, 0),
		maxSize: maxSize,
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// MaxSize returns the configured capacity (0 = unbounded).
func (q *Queue) MaxSize() int { return q.maxSize }

// IsFull returns true if the queue is at max capacity.
func (q *Queue) IsFull() bool {
	return q.maxSize > 0 && len(q.items) >= q.maxSize
}

// Head returns the first item, or nil if the queue is empty.
func (q *Queue) Head() *Item {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Get returns the item with the given id.
func (q *Queue) Get(id string) (*Item, bool) {
	for _, it := range q.items {
		if it.ID == id {
			return it, true
		}
	}
	return nil, false
}

// Items returns a copy of the ordered item slice.
func (q *Queue) Items() []*Item {
	out := make([]*Item, len(q.items))
	copy(out, q.items)
	return out
}

// Enqueue inserts an item according to the priority rule: an urgent item
// goes immediately after the last existing urgent item and before any
// normal item; a normal item is appended at the tail. Capacity is enforced
// atomically: a full queue rejects the insert and is left unchanged.
func (q *Queue) Enqueue(item *Item) error {
	if _, ok := q.Get(item.ID); ok {
		return ErrItemExists
	}
	if q.IsFull() {
		return ErrQueueFull
	}

	q.insert(item)
	return nil
}

// insert places the item at the position the priority rule dictates.
func (q *Queue) insert(item *Item) {
	if item.Priority == PriorityUrgent {
		idx := q.urgentCount()
		q.items = append(q.items, nil)
		copy(q.items[idx+1:], q.items[idx:])
		q.items[idx] = item
		return
	}
	q.items = append(q.items, item)
}

// urgentCount returns the length of the urgent prefix.
func (q *Queue) urgentCount() int {
	n := 0
	for _, it := range q.items {
		if it.Priority != PriorityUrgent {
			break
		}
		n++
	}
	return n
}

// Remove removes the item with the given id.
func (q *Queue) Remove(id string) bool {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// PushFront places an item at the absolute head of the queue, ahead of any
// urgent items. Used to retain a failed item at the head position; normal
// inserts go through Enqueue.
func (q *Queue) PushFront(item *Item) {
	q.items = append([]*Item{item}, q.items...)
}

// RemoveHead removes and returns the first item, or nil if empty.
func (q *Queue) RemoveHead() *Item {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head
}

// Clear removes every item and returns how many were dropped.
func (q *Queue) Clear() int {
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

// Reorder moves an item to the given position within its own priority
// class. The position is an index into the class (0 = first of the class)
// and is clamped to the class bounds. Moving across classes is done via
// SetPriority, never by Reorder.
func (q *Queue) Reorder(id string, toPosition int) error {
	idx := -1
	for i, it := range q.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrItemNotFound
	}

	item := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)

	// Class bounds after removal: urgent items occupy [0, u), normal [u, len).
	u := q.urgentCount()
	var base, classLen int
	if item.Priority == PriorityUrgent {
		base, classLen = 0, u
	} else {
		base, classLen = u, len(q.items)-u
	}

	if toPosition < 0 {
		toPosition = 0
	}
	if toPosition > classLen {
		toPosition = classLen
	}
	target := base + toPosition

	q.items = append(q.items, nil)
	copy(q.items[target+1:], q.items[target:])
	q.items[target] = item
	return nil
}

// SetPriority moves an item to a new priority class. The move is a
// remove-then-reinsert using the enqueue rule, so the item takes the last
// FIFO position of its destination class. A same-class call is a no-op.
func (q *Queue) SetPriority(id string, priority Priority) error {
	item, ok := q.Get(id)
	if !ok {
		return ErrItemNotFound
	}
	if item.Priority == priority {
		return nil
	}

	q.Remove(id)
	item.Priority = priority
	q.insert(item)
	return nil
}

// Replace swaps the queue contents with the given items, preserving their
// order. Used when restoring persisted state.
func (q *Queue) Replace(items []*Item) {
	q.items = make([]*Item, len(items))
	copy(q.items, items)
}
