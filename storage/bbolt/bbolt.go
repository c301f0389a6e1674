// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/certmill/certmill/storage"
)

// Store implements storage.Repository backed by a BBolt database. Each
// record type maps to its own bucket; record IDs are bucket keys.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns
// a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encode(rec *storage.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*storage.Record, error) {
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

func (s *Store) Create(recordType, recordID string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		if b.Get([]byte(recordID)) != nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrDuplicate)
		}
		data, err := encode(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(recordID), data)
	})
}

func (s *Store) Put(recordType, recordID string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		data, err := encode(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(recordID), data)
	})
}

func (s *Store) Get(recordType, recordID string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		data := b.Get([]byte(recordID))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		var err error
		rec, err = decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) List(recordType string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Store) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		existingData := b.Get([]byte(recordID))

		if expectedVersion == 0 {
			if existingData != nil {
				return storage.ErrCASFailed
			}
		} else {
			if existingData == nil {
				return storage.ErrCASFailed
			}
			existing, err := decode(existingData)
			if err != nil {
				return err
			}
			if existing.Version != expectedVersion {
				return storage.ErrCASFailed
			}
		}

		data, err := encode(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(recordID), data)
	})
}
