// Package memory provides a thread-safe in-memory implementation of
// storage.Repository. Suitable for testing, demos, and single-process use.
package memory

import (
	"fmt"
	"sync"

	"github.com/certmill/certmill/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func (r *Repository) Create(recordType, recordID string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[recordType][recordID]; ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrDuplicate)
	}
	r.putLocked(recordType, recordID, rec)
	return nil
}

func (r *Repository) Put(recordType, recordID string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(recordType, recordID, rec)
	return nil
}

func (r *Repository) putLocked(recordType, recordID string, rec *storage.Record) {
	if _, ok := r.data[recordType]; !ok {
		r.data[recordType] = make(map[string]*storage.Record)
	}
	r.data[recordType][recordID] = rec.Clone()
}

func (r *Repository) Get(recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[recordType][recordID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data[recordType]))
	for id := range r.data[recordType] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Repository) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.data[recordType][recordID]
	if expectedVersion == 0 {
		if ok {
			return storage.ErrCASFailed
		}
	} else {
		if !ok || existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	r.putLocked(recordType, recordID, rec)
	return nil
}
