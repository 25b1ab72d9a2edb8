package memory

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/gofer-go/messaging"
)

type item struct {
	body    []byte
	expires time.Time
}

func (it *item) expired(now time.Time) bool {
	return !it.expires.IsZero() && !now.Before(it.expires)
}

type queue struct {
	name string

	mu     sync.Mutex
	items  []*item
	signal chan struct{}
}

func newQueue(name string) *queue {
	return &queue{name: name, signal: make(chan struct{})}
}

func (q *queue) push(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	q.notify()
}

func (q *queue) requeue(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*item{it}, q.items...)
	q.notify()
}

// notify wakes every waiting pop; callers hold q.mu
func (q *queue) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expire(time.Now())
	return len(q.items)
}

// expire drops expired messages; callers hold q.mu
func (q *queue) expire(now time.Time) {
	live := q.items[:0]
	for _, it := range q.items {
		if !it.expired(now) {
			live = append(live, it)
		}
	}
	for i := len(live); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = live
}

// pop waits up to timeout for a message. It returns (nil, nil) on timeout.
func (q *queue) pop(ctx context.Context, timeout time.Duration, closed <-chan struct{}) (*item, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-closed:
			return nil, messaging.ErrReceiverClosed
		default:
		}

		q.mu.Lock()
		q.expire(time.Now())
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return nil, nil
		case <-closed:
			return nil, messaging.ErrReceiverClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
