package router

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoEligibleBackend is returned when a category is unknown or every
// backend mapped to it has been excluded.
var ErrNoEligibleBackend = errors.New("no eligible backend")

// Router maps a task category to an ordered list of backend identifiers.
// The table is fixed at construction and read-only afterwards, so Route is
// safe for concurrent use.
type Router struct {
	routes map[string][]string
}

func New(routes map[string][]string) *Router {
	cp := make(map[string][]string, len(routes))
	for cat, ids := range routes {
		cp[cat] = append([]string(nil), ids...)
	}
	return &Router{routes: cp}
}

// Route returns the first backend for category that is not in excluded.
// It has no side effects.
func (r *Router) Route(category string, excluded map[string]bool) (string, error) {
	ids, ok := r.routes[category]
	if !ok || len(ids) == 0 {
		return "", fmt.Errorf("category %q: %w", category, ErrNoEligibleBackend)
	}
	for _, id := range ids {
		if !excluded[id] {
			return id, nil
		}
	}
	return "", fmt.Errorf("category %q: %w", category, ErrNoEligibleBackend)
}

// Backends returns a copy of the backend list for a category.
func (r *Router) Backends(category string) []string {
	return append([]string(nil), r.routes[category]...)
}

// Categories returns the known categories, sorted.
func (r *Router) Categories() []string {
	out := make([]string, 0, len(r.routes))
	for cat := range r.routes {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// HasCategory reports whether the table maps the category at all.
func (r *Router) HasCategory(category string) bool {
	return len(r.routes[category]) > 0
}
