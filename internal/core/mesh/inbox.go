package mesh

import (
	"context"
	"sync"
)

// inbox is an unbounded FIFO of work for the coordinator loop. push never
// blocks, so transport callbacks and timers can post from any goroutine.
type inbox struct {
	mu     sync.Mutex
	items  []func(context.Context)
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(f func(context.Context)) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far.
func (q *inbox) take() []func(context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
