// Package authz decides which principal may sign with which CA key. Grants
// are explicit CAAssignment records created by administrators; every write
// path in the system consults the Gate rather than checking roles ad hoc.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/certmill/certmill/internal/uuid"
	"github.com/certmill/certmill/pki"
	"github.com/certmill/certmill/storage"
)

var (
	// ErrForbidden is returned when a principal lacks the role or
	// assignment an operation requires.
	ErrForbidden = errors.New("forbidden")

	// ErrNotCA is returned when an assignment references a certificate
	// that is not a certificate authority.
	ErrNotCA = errors.New("certificate is not a CA")

	// ErrDuplicateAssignment is returned when an active assignment for the
	// same (user, CA) pair already exists.
	ErrDuplicateAssignment = errors.New("assignment already exists")

	// ErrAssignmentNotFound is returned when the referenced assignment ID
	// does not exist.
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// Role is the coarse principal role carried by every authenticated call.
type Role string

const (
	RoleUser  Role = "USER"
	RoleCA    Role = "CA"
	RoleAdmin Role = "ADMIN"
)

// Principal identifies the caller of an operation. There is no ambient
// identity anywhere in the core; every operation receives its principal
// explicitly.
type Principal struct {
	ID   string
	Role Role
}

// Assignment grants a user the right to sign with a CA certificate's key.
// Assignments are never deleted; revocation deactivates them so the grant
// history stays auditable.
type Assignment struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"userId"`
	CACertificateSerial string    `json:"caCertificateSerialNumber"`
	AssignedByUserID    string    `json:"assignedByUserId"`
	AssignedAt          time.Time `json:"assignedAt"`
	Active              bool      `json:"active"`
}

// CertSource is the slice of the certificate registry the Gate needs.
type CertSource interface {
	GetBySerial(ctx context.Context, serial string) (*pki.Certificate, error)
}

// Gate owns CAAssignment records and answers signing-authorization checks.
type Gate struct {
	repo  storage.Repository
	certs CertSource

	// adminBypass lets ADMIN principals use any CA without a
	// per-assignment grant. Deliberate policy, exposed as configuration.
	adminBypass bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithAdminBypass controls whether ADMIN principals bypass per-CA grants.
// The default is enabled.
func WithAdminBypass(enabled bool) Option {
	return func(g *Gate) { g.adminBypass = enabled }
}

// NewGate creates a Gate over the given repository and certificate source.
func NewGate(repo storage.Repository, certs CertSource, opts ...Option) *Gate {
	g := &Gate{repo: repo, certs: certs, adminBypass: true}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Assign grants userID the right to sign with the CA identified by
// caSerial. The target certificate must be a CA and the (user, CA) pair
// must not already hold an active grant.
func (g *Gate) Assign(ctx context.Context, adminID, userID, caSerial string) (*Assignment, error) {
	cert, err := g.certs.GetBySerial(ctx, caSerial)
	if err != nil {
		return nil, err
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("%s: %w", caSerial, ErrNotCA)
	}

	existing, err := g.activeAssignment(ctx, userID, caSerial)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("user %s already holds CA %s: %w", userID, caSerial, ErrDuplicateAssignment)
	}

	assignment := &Assignment{
		ID:                  uuid.New(),
		UserID:              userID,
		CACertificateSerial: caSerial,
		AssignedByUserID:    adminID,
		AssignedAt:          time.Now().UTC(),
		Active:              true,
	}
	rec, err := encodeAssignment(assignment, 1)
	if err != nil {
		return nil, err
	}
	if err := g.repo.Create(storage.TypeAssignment, assignment.ID, rec); err != nil {
		return nil, err
	}
	return assignment, nil
}

// revokeAttempts bounds the CAS retry loop for assignment revocation.
const revokeAttempts = 5

// Revoke deactivates an assignment. Idempotent; the record is kept for
// audit. Concurrent revocations of the same record are serialized through
// compare-and-set so authorization checks never observe a half-applied
// state.
func (g *Gate) Revoke(ctx context.Context, assignmentID string) error {
	for attempt := 0; attempt < revokeAttempts; attempt++ {
		rec, err := g.repo.Get(storage.TypeAssignment, assignmentID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", assignmentID, ErrAssignmentNotFound)
		}
		if err != nil {
			return err
		}
		assignment, err := decodeAssignment(rec)
		if err != nil {
			return err
		}
		if !assignment.Active {
			return nil
		}
		assignment.Active = false

		updated, err := encodeAssignment(assignment, rec.Version+1)
		if err != nil {
			return err
		}
		err = g.repo.PutCAS(storage.TypeAssignment, assignmentID, rec.Version, updated)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		return err
	}
	return fmt.Errorf("revoking assignment %s: %w", assignmentID, storage.ErrCASFailed)
}

// IsAuthorized reports whether the principal may sign with the CA
// identified by caSerial: either an active assignment exists, or the
// principal is an ADMIN and admin bypass is enabled. The check always reads
// current state, so a revocation is visible to the very next call.
func (g *Gate) IsAuthorized(ctx context.Context, p Principal, caSerial string) (bool, error) {
	if g.adminBypass && p.Role == RoleAdmin {
		return true, nil
	}
	assignment, err := g.activeAssignment(ctx, p.ID, caSerial)
	if err != nil {
		return false, err
	}
	return assignment != nil, nil
}

// List returns every assignment, active or not, oldest first.
func (g *Gate) List(ctx context.Context) ([]*Assignment, error) {
	ids, err := g.repo.List(storage.TypeAssignment)
	if err != nil {
		return nil, err
	}
	assignments := make([]*Assignment, 0, len(ids))
	for _, id := range ids {
		rec, err := g.repo.Get(storage.TypeAssignment, id)
		if err != nil {
			return nil, err
		}
		assignment, err := decodeAssignment(rec)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}
	sort.Slice(assignments, func(i, j int) bool {
		if assignments[i].AssignedAt.Equal(assignments[j].AssignedAt) {
			return assignments[i].ID < assignments[j].ID
		}
		return assignments[i].AssignedAt.Before(assignments[j].AssignedAt)
	})
	return assignments, nil
}

func (g *Gate) activeAssignment(ctx context.Context, userID, caSerial string) (*Assignment, error) {
	ids, err := g.repo.List(storage.TypeAssignment)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		rec, err := g.repo.Get(storage.TypeAssignment, id)
		if err != nil {
			return nil, err
		}
		assignment, err := decodeAssignment(rec)
		if err != nil {
			return nil, err
		}
		if assignment.Active && assignment.UserID == userID && assignment.CACertificateSerial == caSerial {
			return assignment, nil
		}
	}
	return nil, nil
}

func encodeAssignment(a *Assignment, version uint64) (*storage.Record, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding assignment: %w", err)
	}
	return &storage.Record{Version: version, Data: data}, nil
}

func decodeAssignment(rec *storage.Record) (*Assignment, error) {
	var a Assignment
	if err := json.Unmarshal(rec.Data, &a); err != nil {
		return nil, fmt.Errorf("decoding assignment: %w", err)
	}
	return &a, nil
}
