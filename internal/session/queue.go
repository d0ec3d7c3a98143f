// internal/session/queue.go
package session

import "github.com/user/chatrelay/internal/types"

// pending is an event waiting for the in-flight generation to resolve.
type pending struct {
	event types.ChatEvent
	// recorded marks that the event's user turn is already in the
	// transcript, so a re-queued event is not recorded twice.
	recorded bool
}

// fifo is a bounded first-in-first-out queue of pending events. When full,
// the oldest entry is dropped so the queue always holds the most recent
// window of the conversation.
type fifo struct {
	items []pending
	max   int
}

func newFIFO(max int) *fifo {
	return &fifo{max: max}
}

// push appends an entry, evicting the oldest when at capacity. It returns
// the evicted entry and true when an eviction happened.
func (q *fifo) push(p pending) (pending, bool) {
	var dropped pending
	evicted := false
	if q.max > 0 && len(q.items) >= q.max {
		dropped = q.items[0]
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, p)
	return dropped, evicted
}

// pushFront re-queues an interrupted event at the head. The entry was
// popped earlier, so momentarily exceeding the bound by one is acceptable.
func (q *fifo) pushFront(p pending) {
	q.items = append([]pending{p}, q.items...)
}

func (q *fifo) pop() (pending, bool) {
	if len(q.items) == 0 {
		return pending{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

func (q *fifo) len() int {
	return len(q.items)
}
