package engine

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/wire"
)

// request is one shell message waiting for the execution goroutine.
type request struct {
	stream   Stream
	msg      *wire.Message
	msgType  model.MsgType
	received time.Time
}

// shellQueue is the FIFO of pending execution requests. The control path
// marks everything in it aborted through AbortAll.
type shellQueue struct {
	mu     sync.Mutex
	items  []*request
	notify chan struct{}
}

func newShellQueue() *shellQueue {
	return &shellQueue{notify: make(chan struct{}, 1)}
}

// Push appends r and wakes the consumer.
func (q *shellQueue) Push(r *request) {
	q.mu.Lock()
	q.items = append(q.items, r)
	depth := len(q.items)
	q.mu.Unlock()

	queueDepth.Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a request is available or ctx ends.
func (q *shellQueue) Pop(ctx context.Context) (*request, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			depth := len(q.items)
			q.mu.Unlock()
			queueDepth.Set(float64(depth))
			return r, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of pending requests.
func (q *shellQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// AbortAll marks every pending request in reg while holding the queue lock,
// so no marked request can be popped before its id is registered. It
// returns the ids marked.
func (q *shellQueue) AbortAll(reg *AbortRegistry) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.items))
	for _, r := range q.items {
		ids = append(ids, r.msg.Header.MsgID)
	}
	reg.Add(ids...)
	return ids
}
