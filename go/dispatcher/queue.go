package dispatcher

import (
	"context"
	"sync"
)

// deque is a bounded double-ended queue with blocking Push and Pop.
// Retries of a failing head re-enter at the head unless the queue is
// rotating, so it cannot be a plain channel.
type deque[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	capacity int
	closed   bool
}

func newDeque[T any](capacity int) *deque[T] {
	if capacity <= 0 {
		capacity = 1
	}
	var d = &deque[T]{capacity: capacity}
	d.notEmpty = sync.NewCond(&d.mu)
	d.notFull = sync.NewCond(&d.mu)
	return d
}

// PushTail appends, blocking while the queue is full. Returns false if
// the queue closed or ctx was cancelled while waiting.
func (d *deque[T]) PushTail(ctx context.Context, item T) bool {
	return d.push(ctx, item, false)
}

// PushHead prepends. Head pushes are retry re-entries and are exempt
// from the capacity bound so a retrying worker can never deadlock
// against a full queue.
func (d *deque[T]) PushHead(item T) bool {
	return d.push(context.Background(), item, true)
}

func (d *deque[T]) push(ctx context.Context, item T, head bool) bool {
	// Wake the waiter when ctx is cancelled so the blocked push observes it.
	var stop = context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.notFull.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()

	for !head && len(d.items) >= d.capacity && !d.closed && ctx.Err() == nil {
		d.notFull.Wait()
	}
	if d.closed || ctx.Err() != nil {
		return false
	}
	if head {
		d.items = append([]T{item}, d.items...)
	} else {
		d.items = append(d.items, item)
	}
	d.notEmpty.Signal()
	return true
}

// Pop removes the head, blocking while empty. Returns ok=false once the
// queue is closed and drained, or when ctx is cancelled.
func (d *deque[T]) Pop(ctx context.Context) (item T, ok bool) {
	var stop = context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.notEmpty.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.items) == 0 && !d.closed && ctx.Err() == nil {
		d.notEmpty.Wait()
	}
	if len(d.items) == 0 {
		return item, false
	}
	item = d.items[0]
	d.items = d.items[1:]
	d.notFull.Signal()
	return item, true
}

// Closed reports whether Close was called. A closed deque never
// reopens; restarts replace it.
func (d *deque[T]) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops accepting pushes. Pending items remain poppable.
func (d *deque[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.notEmpty.Broadcast()
	d.notFull.Broadcast()
}

func (d *deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
