// Package registry tracks module descriptors, their lifecycle state machine,
// and the dependency graph between them.
package registry

import (
	"fmt"
	"sync"
	"time"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/version"
)

// Registry is an explicitly constructed module table. Multiple registries can
// coexist; nothing in this package is process-global. Iteration order is
// insertion order, which dependency resolution relies on.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Descriptor
	ordered []string
}

func New() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds a descriptor. The name must be unique.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("register: empty descriptor name: %w", hotswaperr.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("register %q: %w", d.Name, hotswaperr.ErrAlreadyExists)
	}
	if d.LoadedAt.IsZero() {
		d.LoadedAt = time.Now()
	}
	r.byName[d.Name] = d
	r.ordered = append(r.ordered, d.Name)
	return nil
}

// Unregister removes a module by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("unregister %q: %w", name, hotswaperr.ErrNotFound)
	}
	delete(r.byName, name)
	for i, n := range r.ordered {
		if n == name {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	return nil
}

// Find returns the descriptor for name.
func (r *Registry) Find(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("find %q: %w", name, hotswaperr.ErrNotFound)
	}
	return d, nil
}

// List returns descriptors in insertion order.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.ordered))
	for _, n := range r.ordered {
		out = append(out, r.byName[n])
	}
	return out
}

// Snapshot returns value copies of all descriptors in insertion order. Status
// surfaces read these instead of the shared pointers so they never observe a
// half-applied rebind.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.ordered))
	for _, n := range r.ordered {
		out = append(out, *r.byName[n])
	}
	return out
}

// UpdateBinding atomically repoints a module at freshly loaded code. All four
// fields change together so no reader sees the new version with the old hooks.
func (r *Registry) UpdateBinding(name string, hooks Module, v version.Version, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("update binding %q: %w", name, hotswaperr.ErrNotFound)
	}
	d.Hooks = hooks
	d.Version = v
	d.Path = path
	d.LoadedAt = time.Now()
	d.LastUpdate = d.LoadedAt
	return nil
}

// SetVersion rewrites only the recorded version. Rollback paths use it to
// restore the pre-swap version after state has been put back.
func (r *Registry) SetVersion(name string, v version.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("set version %q: %w", name, hotswaperr.ErrNotFound)
	}
	d.Version = v
	d.LastUpdate = time.Now()
	return nil
}

// RecordUpdate folds one Update call's duration into the module's metrics.
func (r *Registry) RecordUpdate(name string, took time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("record update %q: %w", name, hotswaperr.ErrNotFound)
	}
	d.Metrics.RecordUpdate(took)
	d.LastUpdate = time.Now()
	return nil
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// SetState performs a validated lifecycle transition.
func (r *Registry) SetState(name string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("set state %q: %w", name, hotswaperr.ErrNotFound)
	}
	if err := checkTransition(name, d.State, to); err != nil {
		return err
	}
	d.State = to
	d.LastUpdate = time.Now()
	return nil
}

// ForceState bypasses transition validation. Used by rollback paths that must
// restore a previously observed state.
func (r *Registry) ForceState(name string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("force state %q: %w", name, hotswaperr.ErrNotFound)
	}
	d.State = to
	d.LastUpdate = time.Now()
	return nil
}
