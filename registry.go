package sapling

import (
	"cmp"
	"slices"
	"sync"
)

// Registry maps file identities to entries and hands out handles. It is the
// one structure every producer mutates, so all access goes through mu.
type Registry struct {
	mu       sync.RWMutex
	next     Handle
	byHandle map[Handle]*Entry
	byKey    map[string]Handle
}

// NewRegistry creates an empty Registry. The first handle issued is 1.
func NewRegistry() *Registry {
	return &Registry{
		byHandle: make(map[Handle]*Entry),
		byKey:    make(map[string]Handle),
	}
}

// Resolve returns the live entry for id, if any.
func (r *Registry) Resolve(id Identity) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(id.Key())
}

func (r *Registry) resolveLocked(key string) (*Entry, bool) {
	h, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return r.byHandle[h], true
}

func (r *Registry) resolveKey(key string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(key)
}

// CreateOrGet returns the entry for id, creating it with factory when none
// exists. Of two concurrent callers for the same identity exactly one
// creates; the other receives the winner's entry and created == false.
func (r *Registry) CreateOrGet(id Identity, factory func(Handle) *Entry) (e *Entry, created bool) {
	key := id.Key()
	if e, ok := r.Resolve(id); ok {
		return e, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.resolveLocked(key); ok {
		return e, false
	}
	r.next++
	h := r.next
	e = factory(h)
	r.byHandle[h] = e
	r.byKey[key] = h
	return e, true
}

// Remove drops the entry for id and marks it removed. Its handle is retired.
func (r *Registry) Remove(id Identity) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := id.Key()
	h, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	e := r.byHandle[h]
	delete(r.byKey, key)
	delete(r.byHandle, h)
	e.markRemoved()
	return e, true
}

// HandleFor returns the handle of e.
func (r *Registry) HandleFor(e *Entry) Handle { return e.handle }

// EntryFor returns the live entry for h, or an *UnknownEntryError.
func (r *Registry) EntryFor(h Handle) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[h]
	if !ok {
		return nil, &UnknownEntryError{Handle: h}
	}
	return e, nil
}

// Entries returns every live entry ordered by handle.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.byHandle))
	for _, e := range r.byHandle {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(entries, func(a, b *Entry) int { return cmp.Compare(a.handle, b.handle) })
	return entries
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}
