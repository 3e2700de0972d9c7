package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a registered platform.
type Info struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Jobs int    `json:"jobs"`
}

// Registry holds the registered platforms. Iteration follows registration
// order so that equal forecasts resolve to the platform registered first.
type Registry struct {
	mu        sync.RWMutex
	platforms []Platform
	byName    map[string]Platform
}

// NewRegistry creates an empty platform registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Platform),
	}
}

// Register adds a platform. Names must be unique.
func (r *Registry) Register(p Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[p.Name()]; ok {
		return fmt.Errorf("platform %q is already registered", p.Name())
	}
	r.byName[p.Name()] = p
	r.platforms = append(r.platforms, p)
	return nil
}

// Get returns the platform registered under name.
func (r *Registry) Get(name string) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("platform %q is not registered", name)
	}
	return p, nil
}

// All returns the platforms in registration order.
func (r *Registry) All() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Platform(nil), r.platforms...)
}

// List returns information about all registered platforms, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.platforms))
	for _, p := range r.platforms {
		infos = append(infos, Info{Name: p.Name(), Kind: p.Kind(), Jobs: len(p.Jobs())})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
