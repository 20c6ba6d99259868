package registry

import (
	"fmt"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/version"
)

// ResolveDependencies returns the transitive required dependencies of name in
// topological order (dependencies before dependers). Absent optional
// dependencies are skipped; an absent required dependency or a cycle is an
// ErrIncompatible failure.
func (r *Registry) ResolveDependencies(name string) ([]*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", name, hotswaperr.ErrNotFound)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := make(map[string]int)
	var order []*Descriptor

	var visit func(d *Descriptor) error
	visit = func(d *Descriptor) error {
		switch marks[d.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("resolve %q: dependency cycle through %q: %w",
				name, d.Name, hotswaperr.ErrIncompatible)
		}
		marks[d.Name] = visiting
		for _, dep := range d.Dependencies {
			target, ok := r.byName[dep.Name]
			if !ok {
				if dep.Optional {
					continue
				}
				return fmt.Errorf("resolve %q: missing dependency %q: %w",
					name, dep.Name, hotswaperr.ErrIncompatible)
			}
			if err := visit(target); err != nil {
				return err
			}
		}
		marks[d.Name] = done
		if d.Name != name {
			order = append(order, d)
		}
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

// CheckCompatibility verifies that every dependency of name exposes the
// capabilities the depender requires and a version inside the declared range.
func (r *Registry) CheckCompatibility(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("check %q: %w", name, hotswaperr.ErrNotFound)
	}
	for _, dep := range d.Dependencies {
		target, ok := r.byName[dep.Name]
		if !ok {
			if dep.Optional {
				continue
			}
			return fmt.Errorf("check %q: missing dependency %q: %w",
				name, dep.Name, hotswaperr.ErrIncompatible)
		}
		if !target.Capabilities.Has(dep.RequiredCaps) {
			return fmt.Errorf("check %q: dependency %q lacks capabilities %s: %w",
				name, dep.Name, dep.RequiredCaps&^target.Capabilities, hotswaperr.ErrIncompatible)
		}
		if !version.SatisfiesRange(target.Version, dep.Min, dep.Max) {
			return fmt.Errorf("check %q: dependency %q version %s outside [%s, %s]: %w",
				name, dep.Name, target.Version, dep.Min, dep.Max, hotswaperr.ErrIncompatible)
		}
	}
	return nil
}
