package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownCore is returned when a signature or core id has no registered
// core element.
var ErrUnknownCore = errors.New("unknown core element")

// ImplKind tags the variant of an Implementation.
type ImplKind int

const (
	// Native implementations run a Go function in-process.
	Native ImplKind = iota
	// Remote implementations are invoked through an offloading service.
	Remote
)

func (k ImplKind) String() string {
	switch k {
	case Native:
		return "native"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("impl(%d)", int(k))
	}
}

// Invocation carries resolved values into and out of an implementation.
// Args mirrors the task parameters; implementations overwrite the entries of
// OUT and INOUT parameters, Target and Result in place.
type Invocation struct {
	Args   []any
	Target any
	Result any
}

// Func is the typed callable behind a native implementation.
type Func func(ctx context.Context, inv *Invocation) error

// RemoteDescriptor addresses an operation exposed by a remote service.
type RemoteDescriptor struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
}

// Implementation is one concrete way to execute a core element.
type Implementation struct {
	CoreID int
	ImplID int
	Name   string
	Kind   ImplKind
	Fn     Func
	Remote RemoteDescriptor
}

// Invoke runs a native implementation. Remote implementations must be
// dispatched through an offloader instead.
func (i Implementation) Invoke(ctx context.Context, inv *Invocation) error {
	switch i.Kind {
	case Native:
		if i.Fn == nil {
			return fmt.Errorf("implementation %s has no function", i.Name)
		}
		return i.Fn(ctx, inv)
	case Remote:
		return fmt.Errorf("implementation %s is remote (%s/%s)", i.Name, i.Remote.Service, i.Remote.Operation)
	default:
		panic(fmt.Sprintf("task: unexpected implementation kind %v", i.Kind))
	}
}

// CoreInfo describes a registered core element.
type CoreInfo struct {
	CoreID          int      `json:"core_id"`
	Signature       string   `json:"signature"`
	Implementations []string `json:"implementations"`
}

type core struct {
	signature string
	impls     []Implementation
}

// CoreRegistry maps operation signatures to core element ids and holds the
// implementations registered for each one. It replaces runtime class-name
// lookup with a function table filled at startup.
type CoreRegistry struct {
	mu    sync.RWMutex
	ids   map[string]int
	cores []core
}

// NewCoreRegistry creates an empty core element registry.
func NewCoreRegistry() *CoreRegistry {
	return &CoreRegistry{ids: make(map[string]int)}
}

// Register adds implementations for signature, creating the core element on
// first use, and returns its id. Implementation ids are assigned in
// registration order.
func (r *CoreRegistry) Register(signature string, impls ...Implementation) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[signature]
	if !ok {
		id = len(r.cores)
		r.ids[signature] = id
		r.cores = append(r.cores, core{signature: signature})
	}
	c := &r.cores[id]
	for _, impl := range impls {
		impl.CoreID = id
		impl.ImplID = len(c.impls)
		if impl.Name == "" {
			impl.Name = fmt.Sprintf("%s#%d", signature, impl.ImplID)
		}
		c.impls = append(c.impls, impl)
	}
	return id
}

// CoreID resolves a signature.
func (r *CoreRegistry) CoreID(signature string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[signature]
	if !ok {
		return 0, fmt.Errorf("signature %q: %w", signature, ErrUnknownCore)
	}
	return id, nil
}

// Signature returns the signature of a core element.
func (r *CoreRegistry) Signature(coreID int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if coreID < 0 || coreID >= len(r.cores) {
		return "", fmt.Errorf("core %d: %w", coreID, ErrUnknownCore)
	}
	return r.cores[coreID].signature, nil
}

// Implementations returns a copy of the implementations of a core element.
func (r *CoreRegistry) Implementations(coreID int) []Implementation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if coreID < 0 || coreID >= len(r.cores) {
		return nil
	}
	return append([]Implementation(nil), r.cores[coreID].impls...)
}

// Count returns the number of registered core elements.
func (r *CoreRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cores)
}

// List describes every core element, sorted by signature.
func (r *CoreRegistry) List() []CoreInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]CoreInfo, 0, len(r.cores))
	for id, c := range r.cores {
		info := CoreInfo{CoreID: id, Signature: c.signature}
		for _, impl := range c.impls {
			info.Implementations = append(info.Implementations, impl.Name)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Signature < infos[j].Signature
	})
	return infos
}
