// Package mailbox provides the unbounded FIFO request queue that drives the
// runtime's single-consumer actors (the task graph engine and the platform
// selector).
package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Put once the mailbox has been closed.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is an unbounded FIFO queue with a single consumer. Producers never
// block, so actors may post requests to each other without risking a cycle of
// full channels. It is safe for concurrent use.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends a request to the queue.
func (m *Mailbox[T]) Put(item T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len reports how many requests are waiting.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further requests. Requests already queued are still drained
// by Serve.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Serve consumes requests in arrival order, calling handle for each one on the
// calling goroutine. It returns when ctx is done or when the mailbox is closed
// and drained.
func (m *Mailbox[T]) Serve(ctx context.Context, handle func(T)) error {
	for {
		batch, closed := m.take()
		for _, item := range batch {
			handle(item)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *Mailbox[T]) take() ([]T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.items
	m.items = nil
	return batch, m.closed
}
