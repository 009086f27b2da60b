package sandbox

import (
	"sync"

	"github.com/vaderyang/voidrun/internal/ports"
)

// Registry is the process-wide id → record mapping. Lookups take the read
// lock; inserts, removals, and the port bookkeeping take the write lock. The
// registry owns port release: it happens inside the write-lock scope that
// removes the record, so the allocator's in-use set and the registry stay in
// lock-step.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	alloc   *ports.Allocator
}

// NewRegistry creates an empty registry backed by the given allocator.
func NewRegistry(alloc *ports.Allocator) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		alloc:   alloc,
	}
}

// Insert adds a record. The caller must have successfully created the backend
// handle first; a failed create never reaches the registry.
func (g *Registry) Insert(r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[r.ID] = r
}

// Get returns the record for id.
func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[id]
	return r, ok
}

// Remove evicts the record and releases its port, if any, under the same
// write lock.
func (g *Registry) Remove(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[id]
	if !ok {
		return nil, false
	}
	delete(g.records, id)
	if r.Port != 0 {
		g.alloc.Release(r.Port)
	}
	return r, true
}

// List returns a snapshot of all records.
func (g *Registry) List() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r)
	}
	return out
}

// Len returns the number of live records.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
