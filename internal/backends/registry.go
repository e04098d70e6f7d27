package backends

import "sort"

// Registry holds backends keyed by identifier. Registration happens during
// startup wiring; lookups afterwards are read-only.
type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

func (r *Registry) Register(b Backend) {
	r.backends[b.ID()] = b
}

func (r *Registry) Get(id string) (Backend, bool) {
	b, ok := r.backends[id]
	return b, ok
}

// IDs returns the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.backends))
	for id := range r.backends {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
