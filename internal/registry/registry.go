// Package registry keeps the set of live entities keyed by remote address.
package registry

import (
	"context"
	"slices"
	"sync"

	"github.com/memsync/memsync/internal/memory"
)

// Keyed is anything identified by a stable remote address.
type Keyed interface {
	Addr() memory.Address
}

// Result summarizes one reconciliation.
type Result struct {
	Added   []memory.Address
	Removed []memory.Address
	Kept    int
	Failed  map[memory.Address]error
}

// Changed reports whether entries were added or removed.
func (r Result) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// Registry is a concurrent address to entity map. Any goroutine may read
// it; only the discovery loop should call the mutating methods.
type Registry[E Keyed] struct {
	mu    sync.RWMutex
	items map[memory.Address]E
}

// New creates an empty registry.
func New[E Keyed]() *Registry[E] {
	return &Registry[E]{
		items: make(map[memory.Address]E),
	}
}

// Get returns the entity at addr.
func (r *Registry[E]) Get(addr memory.Address) (E, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[addr]
	return e, ok
}

// Len returns the number of entities.
func (r *Registry[E]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Keys returns the registered addresses in ascending order.
func (r *Registry[E]) Keys() []memory.Address {
	r.mu.RLock()
	keys := make([]memory.Address, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Snapshot returns the entities ordered by address.
func (r *Registry[E]) Snapshot() []E {
	r.mu.RLock()
	out := make([]E, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b E) int {
		switch {
		case a.Addr() < b.Addr():
			return -1
		case a.Addr() > b.Addr():
			return 1
		}
		return 0
	})
	return out
}

// Reconcile makes the registry hold exactly the entities at addrs. Entries
// absent from addrs are evicted, existing entries are kept as they are, and
// create is called for each new address. An address whose constructor
// fails is skipped this cycle and reported in Result.Failed.
//
// The context is checked before each construction; on cancellation the
// evictions and the constructions completed so far are kept.
func (r *Registry[E]) Reconcile(ctx context.Context, addrs []memory.Address, create func(context.Context, memory.Address) (E, error)) (Result, error) {
	want := make(map[memory.Address]struct{}, len(addrs))
	for _, a := range addrs {
		want[a] = struct{}{}
	}

	var res Result
	var fresh []memory.Address

	r.mu.Lock()
	for a := range r.items {
		if _, ok := want[a]; !ok {
			delete(r.items, a)
			res.Removed = append(res.Removed, a)
		}
	}
	for a := range want {
		if _, ok := r.items[a]; ok {
			res.Kept++
		} else {
			fresh = append(fresh, a)
		}
	}
	r.mu.Unlock()

	slices.Sort(res.Removed)
	slices.Sort(fresh)

	for _, a := range fresh {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e, err := create(ctx, a)
		if err != nil {
			if res.Failed == nil {
				res.Failed = make(map[memory.Address]error)
			}
			res.Failed[a] = err
			continue
		}
		r.mu.Lock()
		r.items[a] = e
		r.mu.Unlock()
		res.Added = append(res.Added, a)
	}
	return res, nil
}

// RemoveIf evicts every entity for which pred is true and returns them.
func (r *Registry[E]) RemoveIf(pred func(E) bool) []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []E
	for a, e := range r.items {
		if pred(e) {
			delete(r.items, a)
			removed = append(removed, e)
		}
	}
	return removed
}

// Reset removes every entity.
func (r *Registry[E]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[memory.Address]E)
}
