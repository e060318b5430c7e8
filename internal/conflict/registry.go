package conflict

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrConflictNotFound = errors.New("conflict not found")

// Registry holds detected conflicts awaiting resolution so a later
// /conflicts/resolve batch can address them by id.
type Registry struct {
	mu       sync.RWMutex
	pending  map[uuid.UUID]Conflict
	resolved map[uuid.UUID]bool
}

func NewRegistry() *Registry {
	return &Registry{
		pending:  make(map[uuid.UUID]Conflict),
		resolved: make(map[uuid.UUID]bool),
	}
}

func (r *Registry) Add(c Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.resolved[c.ID] {
		r.pending[c.ID] = c
	}
}

func (r *Registry) Get(id uuid.UUID) (Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.pending[id]
	if !ok {
		return Conflict{}, ErrConflictNotFound
	}
	return c, nil
}

func (r *Registry) Pending() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conflict, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	return out
}

// Retire marks a conflict resolved and drops it from the pending set.
func (r *Registry) Retire(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	r.resolved[id] = true
}
