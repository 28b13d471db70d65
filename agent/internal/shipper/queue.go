package shipper

import (
	"sync"
	"time"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// DefaultCapacity is the default number of summaries held for retry.
const DefaultCapacity = 50

// Item is a session summary waiting for another upload attempt.
type Item struct {
	Summary        *types.SessionSummary
	FailedAttempts int
	FirstFailure   time.Time
	LastAttempt    time.Time
}

// Queue is a bounded FIFO of failed uploads. When full, the oldest item is
// evicted regardless of its attempt count.
type Queue struct {
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	items []*Item
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		now:      time.Now,
		items:    make([]*Item, 0, capacity),
	}
}

// Enqueue records a first upload failure. It returns the evicted item, if any.
func (q *Queue) Enqueue(summary *types.SessionSummary) *Item {
	now := q.now()
	return q.push(&Item{
		Summary:        summary,
		FailedAttempts: 1,
		FirstFailure:   now,
		LastAttempt:    now,
	})
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum number of items.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Items returns a snapshot of the queue, oldest first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// push appends it at the tail, evicting the head when full.
func (q *Queue) push(it *Item) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *Item
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, it)
	return evicted
}

// takeAll removes and returns every queued item.
func (q *Queue) takeAll() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = make([]*Item, 0, q.capacity)
	return items
}

// restore puts untried items back at the head, in order, then trims the
// oldest entries beyond capacity. It returns what was trimmed.
func (q *Queue) restore(items []*Item) []*Item {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]*Item, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)

	var evicted []*Item
	if over := len(merged) - q.capacity; over > 0 {
		evicted = merged[:over]
		merged = merged[over:]
	}
	q.items = merged
	return evicted
}
