package node

import (
	"context"
	"errors"
	"sync"

	"github.com/muhammadmahdiamirpour/p2psimple/p2p"
)

// ErrQueueClosed is returned by Push once the consumer has closed the queue.
var ErrQueueClosed = errors.New("node: delivery queue closed")

// Message is one inbound payload and the session it arrived on.
type Message struct {
	SessionID p2p.SessionID
	Payload   []byte
}

// Delivery is the producer side of the inbound message queue.
type Delivery interface {
	Push(msg Message) error
}

// Queue is an unbounded FIFO of inbound messages. Push never blocks; Close is called by
// the consumer and makes every later Push fail.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	notify chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends msg, or returns ErrQueueClosed.
func (q *Queue) Push(msg Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Recv blocks until a message is available, the queue is closed or ctx is done.
func (q *Queue) Recv(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			q.signal()
			return Message{}, ErrQueueClosed
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops any queued messages and rejects further pushes.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
