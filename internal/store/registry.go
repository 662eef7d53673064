package store

import "sync"

// Registry hands out one Store per facility.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// For returns the store of a facility, creating it on first use.
func (r *Registry) For(facilityID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stores[facilityID]
	if !ok {
		s = New(facilityID)
		r.stores[facilityID] = s
	}
	return s
}

// Lookup returns the store of a facility if one exists.
func (r *Registry) Lookup(facilityID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stores[facilityID]
	return s, ok
}
