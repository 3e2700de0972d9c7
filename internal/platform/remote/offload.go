package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/task"
)

// ErrUnknownService is returned when no handler serves a remote operation.
var ErrUnknownService = errors.New("unknown remote service")

// Offloader runs an implementation on a remote node. Inputs are already
// resolved into inv; outputs are written back into it.
type Offloader interface {
	Offload(ctx context.Context, node string, impl task.Implementation, inv *task.Invocation) error
}

// Loopback is an Offloader that runs every node's work in the orchestrating
// process. Native implementations run their function; remote ones are
// dispatched to the handler registered for "service/operation".
type Loopback struct {
	// Latency is added to every offloaded call to mimic a round trip.
	Latency time.Duration

	mu       sync.RWMutex
	services map[string]task.Func
}

// NewLoopback creates a loopback offloader.
func NewLoopback(latency time.Duration) *Loopback {
	return &Loopback{Latency: latency, services: make(map[string]task.Func)}
}

// Handle registers fn as the handler of a remote operation.
func (l *Loopback) Handle(service, operation string, fn task.Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services[service+"/"+operation] = fn
}

func (l *Loopback) handler(d task.RemoteDescriptor) (task.Func, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.services[d.Service+"/"+d.Operation]
	return fn, ok
}

// Offload runs impl as if node did.
func (l *Loopback) Offload(ctx context.Context, node string, impl task.Implementation, inv *task.Invocation) (err error) {
	if l.Latency > 0 {
		select {
		case <-time.After(l.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s on %s panicked: %v", impl.Name, node, r)
		}
	}()

	switch impl.Kind {
	case task.Native:
		return impl.Invoke(ctx, inv)
	case task.Remote:
		fn, ok := l.handler(impl.Remote)
		if !ok {
			return fmt.Errorf("%s/%s: %w", impl.Remote.Service, impl.Remote.Operation, ErrUnknownService)
		}
		return fn(ctx, inv)
	default:
		panic(fmt.Sprintf("remote: unexpected implementation kind %v", impl.Kind))
	}
}
