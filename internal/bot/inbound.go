package bot

import (
	"sync"

	"botforge/internal/platform"
)

const inboundCapacity = 1024

// inboundQueue is the bounded buffer between adapter read goroutines and
// the single pipeline goroutine. When full, the oldest non-command message
// is dropped first; commands survive pressure because a viewer notices a
// swallowed command far more than a missed passive line.
type inboundQueue struct {
	mu     sync.Mutex
	items  []platform.ChatMessage
	notify chan struct{}
	closed bool
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{notify: make(chan struct{}, 1)}
}

// push adds a message, applying the drop policy at capacity. Reports
// whether anything was dropped.
func (q *inboundQueue) push(msg platform.ChatMessage) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= inboundCapacity {
		dropped = true
		if idx := q.oldestNonCommandLocked(); idx >= 0 {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		} else if !IsCommand(msg.Text) {
			// Queue is all commands; an incoming non-command is the one
			// to lose.
			q.mu.Unlock()
			return true
		} else {
			q.items = q.items[1:]
		}
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *inboundQueue) oldestNonCommandLocked() int {
	for i, msg := range q.items {
		if !IsCommand(msg.Text) {
			return i
		}
	}
	return -1
}

// pop blocks until a message is available or the queue closes.
func (q *inboundQueue) pop(done <-chan struct{}) (platform.ChatMessage, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return platform.ChatMessage{}, false
		}
		select {
		case <-q.notify:
		case <-done:
			return platform.ChatMessage{}, false
		}
	}
}

func (q *inboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
