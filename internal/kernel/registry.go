package kernel

import (
	"sort"
	"sync"
)

// Registry tracks which sessions this process has checked out.
// The gateway stays the source of truth for which sessions exist.
type Registry struct {
	mu    sync.Mutex
	inUse map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{inUse: make(map[string]bool)}
}

// CheckoutFirst checks out the first candidate not already in use.
// Selection and checkout happen under one lock.
func (r *Registry) CheckoutFirst(candidates []Session) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range candidates {
		if s.ID == "" || r.inUse[s.ID] {
			continue
		}
		r.inUse[s.ID] = true
		return s, true
	}
	return Session{}, false
}

// Checkout marks id as in use. It reports false if id was already out.
func (r *Registry) Checkout(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse[id] {
		return false
	}
	r.inUse[id] = true
	return true
}

// Checkin releases id.
func (r *Registry) Checkin(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inUse, id)
}

// InUse reports whether id is checked out.
func (r *Registry) InUse(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUse[id]
}

// CheckedOut returns the ids currently checked out, sorted.
func (r *Registry) CheckedOut() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.inUse))
	for id := range r.inUse {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
