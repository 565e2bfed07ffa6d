package refresh

import (
	"sync"

	"github.com/tornwatch/tornwatch/pkg/target"
)

// Registry is the in-memory source of truth for tracked targets. Records
// are stored by value; readers always get copies and writers go through
// Put, so no caller can mutate shared state in place.
type Registry struct {
	mu      sync.RWMutex
	records map[int]target.Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[int]target.Record)}
}

// Add inserts a record for the id unless one exists. The seed is used when
// given (pre-population from the durable cache); otherwise a placeholder.
// Returns the record now tracked under the id.
func (r *Registry) Add(id int, seed *target.Record) target.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[id]; ok {
		return existing.Clone()
	}

	rec := target.NewPlaceholder(id)
	if seed != nil {
		rec = seed.Clone()
		rec.ID = id
	}
	r.records[id] = rec
	return rec.Clone()
}

// Remove drops the id from the watchlist.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// Get returns a copy of the record for the id.
func (r *Registry) Get(id int) (target.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return target.Record{}, false
	}
	return rec.Clone(), true
}

// Put replaces the record for its id. Records for untracked ids are
// ignored: the target was removed while its fetch was in flight.
func (r *Registry) Put(rec target.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; !ok {
		return
	}
	r.records[rec.ID] = rec.Clone()
}

// UpdateUser applies an edit to the user-owned fields of a record.
func (r *Registry) UpdateUser(id int, fn func(*target.UserFields)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}

	rec = rec.Clone()
	fn(&rec.User)
	r.records[id] = rec
	return true
}

// IDs returns all tracked ids in unspecified order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids
}

// All returns copies of every tracked record.
func (r *Registry) All() []target.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]target.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	return out
}

// Len returns the number of tracked targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
