package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Auto selects the registry's default backend.
const Auto = "auto"

// Info pairs a backend name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Default      bool         `json:"default"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds named backends. The first registered backend becomes the
// default unless SetDefault chooses another.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	def      string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry under the given name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
	if r.def == "" {
		r.def = name
	}
}

// SetDefault makes name the backend returned for "auto".
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("backend %q is not registered", name)
	}
	r.def = name
	return nil
}

// Resolve returns the backend registered under name. An empty name or "auto"
// resolves to the default backend.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := name
	if target == "" || target == Auto {
		if r.def == "" {
			return nil, fmt.Errorf("no backends registered")
		}
		target = r.def
	}

	b, ok := r.backends[target]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", target)
	}
	return b, nil
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, Info{
			Name:         name,
			Default:      name == r.def,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
