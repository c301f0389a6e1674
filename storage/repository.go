// Package storage provides the storage abstraction layer for the
// certificate registry. Records are opaque versioned JSON blobs keyed by
// (record type, record ID); the domain packages own their encoding.
package storage

import "errors"

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned by Create when a record with the same type
	// and ID already exists.
	ErrDuplicate = errors.New("record already exists")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record types used by the domain packages. Kept here so backends can be
// inspected and migrated without importing domain code.
const (
	TypeCertificate = "certificate"
	TypeKey         = "key"
	TypeCSR         = "csr"
	TypeAssignment  = "assignment"
	TypeAccount     = "account"
	TypeMeta        = "meta"
)

// Record is a single stored row. Version starts at 1 on create and must be
// incremented by the caller on every write; PutCAS enforces it.
type Record struct {
	Version uint64 `json:"version"`
	Data    []byte `json:"data"`
}

// Clone returns a deep copy so callers can mutate records freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Version: r.Version,
		Data:    append([]byte(nil), r.Data...),
	}
}

// Repository defines the interface for record storage. Implementations must
// be safe for concurrent use.
type Repository interface {
	// Create stores a new record, failing with ErrDuplicate if the
	// (recordType, recordID) pair already exists.
	Create(recordType, recordID string, rec *Record) error

	// Put unconditionally stores a record, creating or replacing it.
	Put(recordType, recordID string, rec *Record) error

	// Get retrieves a record or ErrNotFound.
	Get(recordType, recordID string) (*Record, error)

	// List returns the IDs of all records of the given type.
	List(recordType string) ([]string, error)

	// PutCAS replaces a record only if the stored version equals
	// expectedVersion, failing with ErrCASFailed otherwise. An
	// expectedVersion of 0 asserts the record does not exist yet.
	PutCAS(recordType, recordID string, expectedVersion uint64, rec *Record) error
}
