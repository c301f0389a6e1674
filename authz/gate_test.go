package authz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/pki"
	"github.com/certmill/certmill/storage/memory"
)

func newGate(t *testing.T, opts ...authz.Option) (*authz.Gate, *pki.Store) {
	t.Helper()
	repo := memory.NewRepository()
	keys, err := pki.NewSoftwareKeyStore(repo, "test-keystore-passphrase")
	require.NoError(t, err)
	store := pki.NewStore(repo, keys, pki.DefaultPolicy())
	return authz.NewGate(repo, store, opts...), store
}

func newCA(t *testing.T, store *pki.Store) *pki.Certificate {
	t.Helper()
	root, err := store.CreateRoot(t.Context(), "admin", "Gate Root", 365)
	require.NoError(t, err)
	return root
}

func TestAssign(t *testing.T) {
	gate, store := newGate(t)
	ca := newCA(t, store)

	assignment, err := gate.Assign(t.Context(), "admin", "alice", ca.SerialNumber)
	require.NoError(t, err)
	assert.NotEmpty(t, assignment.ID)
	assert.Equal(t, "alice", assignment.UserID)
	assert.Equal(t, ca.SerialNumber, assignment.CACertificateSerial)
	assert.Equal(t, "admin", assignment.AssignedByUserID)
	assert.True(t, assignment.Active)

	// Same (user, CA) pair cannot hold two active grants.
	_, err = gate.Assign(t.Context(), "admin", "alice", ca.SerialNumber)
	assert.ErrorIs(t, err, authz.ErrDuplicateAssignment)

	// A different user is fine.
	_, err = gate.Assign(t.Context(), "admin", "bob", ca.SerialNumber)
	assert.NoError(t, err)
}

func TestAssignRejectsNonCA(t *testing.T) {
	gate, store := newGate(t)
	ca := newCA(t, store)

	leaf, err := store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "alice",
		Subject:      pki.Subject{CommonName: "leaf", Organization: "Example", Country: "DE"},
		Type:         pki.TypeEndEntity,
		ValidityDays: 30,
		ParentSerial: ca.SerialNumber,
	})
	require.NoError(t, err)

	_, err = gate.Assign(t.Context(), "admin", "alice", leaf.SerialNumber)
	assert.ErrorIs(t, err, authz.ErrNotCA)

	_, err = gate.Assign(t.Context(), "admin", "alice", "feedface")
	assert.ErrorIs(t, err, pki.ErrCertNotFound)
}

func TestIsAuthorized(t *testing.T) {
	gate, store := newGate(t)
	ca := newCA(t, store)

	alice := authz.Principal{ID: "alice", Role: authz.RoleCA}

	ok, err := gate.IsAuthorized(t.Context(), alice, ca.SerialNumber)
	require.NoError(t, err)
	assert.False(t, ok)

	assignment, err := gate.Assign(t.Context(), "admin", "alice", ca.SerialNumber)
	require.NoError(t, err)

	ok, err = gate.IsAuthorized(t.Context(), alice, ca.SerialNumber)
	require.NoError(t, err)
	assert.True(t, ok)

	// Revocation is visible immediately; no session or cache outlives it.
	require.NoError(t, gate.Revoke(t.Context(), assignment.ID))
	ok, err = gate.IsAuthorized(t.Context(), alice, ca.SerialNumber)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevoke(t *testing.T) {
	gate, store := newGate(t)
	ca := newCA(t, store)

	assignment, err := gate.Assign(t.Context(), "admin", "alice", ca.SerialNumber)
	require.NoError(t, err)

	require.NoError(t, gate.Revoke(t.Context(), assignment.ID))
	// Idempotent.
	require.NoError(t, gate.Revoke(t.Context(), assignment.ID))

	assert.ErrorIs(t, gate.Revoke(t.Context(), "missing"), authz.ErrAssignmentNotFound)

	// Revoked assignments stay listed for audit.
	assignments, err := gate.List(t.Context())
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.False(t, assignments[0].Active)
}

func TestAdminBypass(t *testing.T) {
	admin := authz.Principal{ID: "root-admin", Role: authz.RoleAdmin}

	gate, store := newGate(t)
	ca := newCA(t, store)
	ok, err := gate.IsAuthorized(t.Context(), admin, ca.SerialNumber)
	require.NoError(t, err)
	assert.True(t, ok, "admin bypass is on by default")

	strict, store := newGate(t, authz.WithAdminBypass(false))
	ca = newCA(t, store)
	ok, err = strict.IsAuthorized(t.Context(), admin, ca.SerialNumber)
	require.NoError(t, err)
	assert.False(t, ok, "with bypass off admins need explicit grants too")

	_, err = strict.Assign(t.Context(), "root-admin", "root-admin", ca.SerialNumber)
	require.NoError(t, err)
	ok, err = strict.IsAuthorized(t.Context(), admin, ca.SerialNumber)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReassignAfterRevoke(t *testing.T) {
	gate, store := newGate(t)
	ca := newCA(t, store)

	first, err := gate.Assign(t.Context(), "admin", "alice", ca.SerialNumber)
	require.NoError(t, err)
	require.NoError(t, gate.Revoke(t.Context(), first.ID))

	// The inactive record does not block a fresh grant.
	second, err := gate.Assign(t.Context(), "admin", "alice", ca.SerialNumber)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	all, err := gate.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
