package runtime

import (
	"context"
	"sync"
)

// Handle tracks one submitted task until it completes.
type Handle struct {
	TaskID   int
	RecordID string

	once sync.Once
	done chan struct{}
	err  error
}

func newHandle(taskID int, recordID string) *Handle {
	return &Handle{TaskID: taskID, RecordID: recordID, done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the task has completed or failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the failure of a finished task; nil while it runs or after it
// succeeded.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
