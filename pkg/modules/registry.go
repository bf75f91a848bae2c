package modules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/planforge/planforge/pkg/errdefs"
)

// Registry is a name-keyed module table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Module)}
}

// NewBuiltinRegistry creates a registry pre-populated with the builtin
// module set.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, m := range Builtins() {
		// Builtins have unique names; Register cannot fail here.
		_ = r.Register(m)
	}
	return r
}

// Register adds a module. Registering a duplicate name is an error.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[m.Name()]; exists {
		return fmt.Errorf("module %q already registered", m.Name())
	}
	r.entries[m.Name()] = m
	return nil
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[name]
	return m, ok
}

// Names returns all registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns a set view of the registry for plan validation.
func (r *Registry) Available() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.entries))
	for name := range r.entries {
		out[name] = true
	}
	return out
}

// Resolve returns the modules for the requested names, sorted by name.
// When any are absent it fails with the full enumerated list of missing
// modules so the caller never has to iterate failures one at a time.
func (r *Registry) Resolve(names []string) ([]Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var missing []string
	resolved := make([]Module, 0, len(sorted))
	for _, name := range sorted {
		m, ok := r.entries[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		resolved = append(resolved, m)
	}

	if len(missing) > 0 {
		return nil, errdefs.NewPermanent(
			fmt.Sprintf("unresolved modules: %v", missing), nil,
		).WithCode(errdefs.CodeModuleMissing)
	}
	return resolved, nil
}
