// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dogtagpki/pki-sub041/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu       sync.RWMutex
	seq      uint64
	records  map[string]*storage.Record
	srcIndex map[string]string
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		records:  make(map[string]*storage.Record),
		srcIndex: make(map[string]string),
	}
}

func (s *Store) Create(rec *storage.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.srcIndex[rec.SourceID]; ok {
		return "", fmt.Errorf("%s: %w", rec.SourceID, storage.ErrSourceIDExists)
	}
	s.seq++
	id := fmt.Sprintf("%d", s.seq)

	stored := rec.Clone()
	stored.ID = id
	s.records[id] = stored
	s.srcIndex[rec.SourceID] = id
	return id, nil
}

func (s *Store) Get(id string) (*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) LookupSourceID(sourceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.srcIndex[sourceID]
	if !ok {
		return "", fmt.Errorf("%s: %w", sourceID, storage.ErrNotFound)
	}
	return id, nil
}

func (s *Store) Update(rec *storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("%s: %w", rec.ID, storage.ErrNotFound)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DropRecord removes a record while leaving its source ID index entry in
// place. Used by tests to simulate index/record inconsistency.
func (s *Store) DropRecord(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}
