// Package queue provides the FIFO buffer of notifications awaiting
// resolution. Enqueue is safe to call concurrently with an active drain;
// ordering is preserved except for the explicit front re-enqueue used
// during cold-start deferral.
package queue

import (
	"errors"
	"sync"

	"github.com/hyperengineering/mailrelay/internal/types"
)

// ErrFull is returned by Enqueue when the queue is at capacity. The intake
// endpoint surfaces it as a capacity error so the push source redelivers.
var ErrFull = errors.New("notification queue full")

// Queue is a bounded FIFO of notifications. A maxLen of 0 means unbounded.
type Queue struct {
	mu     sync.Mutex
	items  []*types.Notification
	maxLen int
}

// New creates a queue holding at most maxLen notifications (0 = unbounded).
func New(maxLen int) *Queue {
	return &Queue{maxLen: maxLen}
}

// Enqueue appends a notification. Returns ErrFull at capacity; never blocks.
func (q *Queue) Enqueue(n *types.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxLen > 0 && len(q.items) >= q.maxLen {
		return ErrFull
	}
	q.items = append(q.items, n)
	return nil
}

// PushFront re-inserts a notification at the head, ahead of everything
// queued behind it. Used when cold start defers a notification: it must be
// replayed first to preserve arrival order. Capacity is not enforced here;
// a deferred notification already held a slot.
func (q *Queue) PushFront(n *types.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*types.Notification{n}, q.items...)
}

// DequeueOldest removes and returns the head, or false when empty.
func (q *Queue) DequeueOldest() (*types.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	n := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return n, true
}

// Len returns the current number of queued notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
