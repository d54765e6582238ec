// Package bond persists the single bonded peer: one address and one link key.
package bond

import (
	"errors"
	"sync"

	"github.com/chaz8081/padlink/internal/hci"
)

// ErrZeroKey is returned by Save for an all-zero link key.
var ErrZeroKey = errors.New("bond: refusing to store all-zero link key")

// Record is the stored bonding. A loaded record is always valid.
type Record struct {
	Addr hci.Addr
	Key  hci.LinkKey
}

// Valid reports whether the record carries a usable key.
func (r Record) Valid() bool {
	return !r.Key.IsZero()
}

// Store holds at most one bonding record.
//
// Load reports ok=false when nothing valid is stored; err is reserved for
// storage failures. Save overwrites any previous record. Clear makes later
// Loads report nothing.
type Store interface {
	Load() (Record, bool, error)
	Save(addr hci.Addr, key hci.LinkKey) error
	Clear() error
}

// MemoryStore keeps the record in memory. The error fields let tests
// simulate storage failures.
type MemoryStore struct {
	mu    sync.Mutex
	rec   Record
	valid bool

	LoadErr  error
	SaveErr  error
	ClearErr error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return Record{}, false, s.LoadErr
	}
	if !s.valid {
		return Record{}, false, nil
	}
	return s.rec, true, nil
}

func (s *MemoryStore) Save(addr hci.Addr, key hci.LinkKey) error {
	if key.IsZero() {
		return ErrZeroKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.rec = Record{Addr: addr, Key: key}
	s.valid = true
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClearErr != nil {
		return s.ClearErr
	}
	s.rec = Record{}
	s.valid = false
	return nil
}
