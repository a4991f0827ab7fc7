package presence

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Store holds the best-known set of online identities. It never contains
// duplicates.
type Store struct {
	// notifyLock serializes mutations with their observer callbacks so
	// observers see changes in order.
	notifyLock   sync.Mutex
	lock         sync.RWMutex
	members      []string
	index        map[string]struct{}
	observers    map[int]func([]string)
	nextObserver int
}

func NewStore() *Store {
	return &Store{
		index:     make(map[string]struct{}),
		observers: make(map[int]func([]string)),
	}
}

// Add inserts id if it is not already present.
func (s *Store) Add(id string) {
	s.notifyLock.Lock()
	defer s.notifyLock.Unlock()

	s.lock.Lock()
	if _, ok := s.index[id]; ok {
		s.lock.Unlock()
		return
	}
	s.index[id] = struct{}{}
	s.members = append(s.members, id)
	snapshot := slices.Clone(s.members)
	s.lock.Unlock()

	s.notify(snapshot)
}

// Remove deletes id. Removing an absent id is a no-op.
func (s *Store) Remove(id string) {
	s.notifyLock.Lock()
	defer s.notifyLock.Unlock()

	s.lock.Lock()
	if _, ok := s.index[id]; !ok {
		s.lock.Unlock()
		return
	}
	delete(s.index, id)
	s.members = slices.DeleteFunc(s.members, func(m string) bool { return m == id })
	snapshot := slices.Clone(s.members)
	s.lock.Unlock()

	s.notify(snapshot)
}

// Replace overwrites the set with ids, collapsing repeated entries.
func (s *Store) Replace(ids []string) {
	s.notifyLock.Lock()
	defer s.notifyLock.Unlock()

	members := lo.Uniq(ids)

	s.lock.Lock()
	s.members = members
	s.index = make(map[string]struct{}, len(members))
	for _, id := range members {
		s.index[id] = struct{}{}
	}
	snapshot := slices.Clone(s.members)
	s.lock.Unlock()

	s.notify(snapshot)
}

func (s *Store) Contains(id string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.index[id]
	return ok
}

// Members returns a copy of the current set in insertion order.
func (s *Store) Members() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return slices.Clone(s.members)
}

func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.members)
}

// Subscribe registers fn to be called with a snapshot after every change.
// fn must not mutate the store. The returned func removes the observer.
func (s *Store) Subscribe(fn func(members []string)) func() {
	s.lock.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.lock.Unlock()

	return func() {
		s.lock.Lock()
		delete(s.observers, id)
		s.lock.Unlock()
	}
}

func (s *Store) notify(snapshot []string) {
	s.lock.RLock()
	observers := make([]func([]string), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.lock.RUnlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}
