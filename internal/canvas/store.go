package canvas

import (
	"fmt"
	"sort"
	"sync"
)

// Store is the local authoritative-mirror of all editable objects.
//
// All operations are local, synchronous, and touch nothing but the in-memory
// collection; talking to the remote store is the sync engine's job. Objects
// go in and come out by value, so callers can never alias the store's state.
//
// Thread-safety: all methods are safe for concurrent use. Mutation happens
// only through the entry points below - there is no way to reach the backing
// map from outside the package.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewStore creates an empty object store.
func NewStore() *Store {
	return &Store{objects: make(map[string]Object)}
}

// Add inserts a new object. Fails if an object with the same id is already
// live - no two live entries may share an id.
func (s *Store) Add(o Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[o.ID]; exists {
		return fmt.Errorf("store: duplicate object id %s", o.ID)
	}
	s.objects[o.ID] = o
	return nil
}

// Update applies a partial patch to the object and returns the updated
// value. Returns false if the object is not present.
func (s *Store) Update(id string, p Patch) (Object, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[id]
	if !ok {
		return Object{}, false, nil
	}
	if err := p.Apply(&o); err != nil {
		return Object{}, true, err
	}
	s.objects[id] = o
	return o, true, nil
}

// Replace overwrites the stored value for the object's id wholesale, adding
// it if absent. Used when a remote event carries the authoritative value:
// local optimistic state is never merged field-by-field against it.
func (s *Store) Replace(o Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[o.ID] = o
}

// Remove deletes the object. Returns false if it was not present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[id]; !ok {
		return false
	}
	delete(s.objects, id)
	return true
}

// ReplaceAll swaps the entire collection for the given snapshot. Used on
// reconnect catch-up after a partition.
func (s *Store) ReplaceAll(objects []Object) {
	next := make(map[string]Object, len(objects))
	for _, o := range objects {
		next[o.ID] = o
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = next
}

// Get returns the object by id.
func (s *Store) Get(id string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	return o, ok
}

// Len returns the number of live objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// OrderedView returns all objects sorted by ZIndex descending, ties broken
// by id ascending. The tie-break keeps the draw order total and
// deterministic so two renders of the same state never flicker.
func (s *Store) OrderedView() []Object {
	s.mu.RLock()
	out := make([]Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex > out[j].ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}
