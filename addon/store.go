package addon

import (
	"fmt"
	"sync"

	"github.com/c360/extmesh/errors"
)

// Store holds published registrations keyed by (type, name). Writes happen
// only during registration and unregistration phases, which are serialized on
// the app goroutine; reads happen anywhere and are safe because the store is
// append-only during a graph's run phase.
type Store struct {
	mu      sync.RWMutex
	entries map[Type]map[string]*Registration
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[Type]map[string]*Registration)}
}

// publish inserts a registration. Identical re-registrations (same factory
// object) are idempotent; mismatched duplicates are rejected.
func (s *Store) publish(reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName := s.entries[reg.Type]
	if byName == nil {
		byName = make(map[string]*Registration)
		s.entries[reg.Type] = byName
	}

	if existing, ok := byName[reg.Name]; ok {
		if existing.addon == reg.addon {
			return nil
		}
		return errors.WrapInvalid(errors.ErrAddonDuplicate, "Store", "publish",
			fmt.Sprintf("addon %s:%s", reg.Type, reg.Name))
	}

	byName[reg.Name] = reg
	return nil
}

// Find looks up a published registration.
func (s *Store) Find(typ Type, name string) (*Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.entries[typ][name]
	return reg, ok
}

// Names lists the published names for a type.
func (s *Store) Names(typ Type) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries[typ]))
	for name := range s.entries[typ] {
		names = append(names, name)
	}
	return names
}

// drain removes and returns every registration. Used at app close.
func (s *Store) drain() []*Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Registration
	for _, byName := range s.entries {
		for _, reg := range byName {
			all = append(all, reg)
		}
	}
	s.entries = make(map[Type]map[string]*Registration)
	return all
}
