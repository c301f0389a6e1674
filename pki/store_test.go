package pki_test

import (
	"crypto/rsa"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/pki"
	"github.com/certmill/certmill/storage"
	"github.com/certmill/certmill/storage/memory"
)

func newStore(t *testing.T) (*pki.Store, storage.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	keys, err := pki.NewSoftwareKeyStore(repo, "test-keystore-passphrase")
	require.NoError(t, err)
	return pki.NewStore(repo, keys, pki.DefaultPolicy()), repo
}

func createRoot(t *testing.T, store *pki.Store, cn string, days int) *pki.Certificate {
	t.Helper()
	root, err := store.CreateRoot(t.Context(), "admin", cn, days)
	require.NoError(t, err)
	return root
}

func TestCreateRoot(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Test Root", 365)

	assert.NotEmpty(t, root.SerialNumber)
	assert.Equal(t, pki.TypeRootCA, root.Type)
	assert.True(t, root.IsCA)
	assert.Empty(t, root.IssuerSerialNumber)
	assert.True(t, root.SelfSigned())
	assert.Equal(t, "Test Root", root.Subject.CommonName)
	assert.Equal(t, "PKI Organization", root.Subject.Organization)
	assert.Equal(t, "RS", root.Subject.Country)

	parsed, err := root.X509()
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignatureFrom(parsed))
	assert.True(t, parsed.IsCA)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, parsed.KeyUsage)
	assert.NotEmpty(t, parsed.SubjectKeyId)
	assert.IsType(t, &rsa.PublicKey{}, parsed.PublicKey)

	got, err := store.GetBySerial(t.Context(), root.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, root.DER, got.DER)
}

func TestCreateRootValidation(t *testing.T) {
	store, _ := newStore(t)

	_, err := store.CreateRoot(t.Context(), "admin", "  ", 365)
	assert.ErrorIs(t, err, pki.ErrValidation)

	_, err = store.CreateRoot(t.Context(), "admin", "Root", -1)
	assert.ErrorIs(t, err, pki.ErrValidation)
}

func TestCreateRootDefaultValidity(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Long Root", 0)

	days := root.NotAfter.Sub(root.NotBefore).Hours() / 24
	assert.InDelta(t, pki.DefaultPolicy().DefaultRootValidityDays, days, 2)
}

func TestSignEndEntity(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Issuing Root", 365)

	cert, err := store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "alice",
		Subject:      pki.Subject{CommonName: "service.example.com", Organization: "Example", Country: "de"},
		Type:         pki.TypeEndEntity,
		ValidityDays: 30,
		ParentSerial: root.SerialNumber,
		SubjectAlternativeNames: []string{
			"DNS:service.example.com",
			"bare.example.com",
			"IP:10.0.0.7",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, root.SerialNumber, cert.IssuerSerialNumber)
	assert.Equal(t, pki.TypeEndEntity, cert.Type)
	assert.False(t, cert.IsCA)
	assert.Equal(t, "alice", cert.OwnerID)

	parsed, err := cert.X509()
	require.NoError(t, err)
	rootX509, err := root.X509()
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignatureFrom(rootX509))

	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment|x509.KeyUsageDataEncipherment, parsed.KeyUsage)
	assert.ElementsMatch(t, []string{"service.example.com", "bare.example.com"}, parsed.DNSNames)
	require.Len(t, parsed.IPAddresses, 1)
	assert.Equal(t, "10.0.0.7", parsed.IPAddresses[0].String())
	// Country codes are upper-cased on the wire.
	assert.Equal(t, []string{"DE"}, parsed.Subject.Country)
}

func TestSignClampsToIssuerNotAfter(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Short Root", 30)

	cert, err := store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "alice",
		Subject:      pki.Subject{CommonName: "outlives", Organization: "Example", Country: "DE"},
		Type:         pki.TypeEndEntity,
		ValidityDays: 10000,
		ParentSerial: root.SerialNumber,
	})
	require.NoError(t, err)
	assert.True(t, cert.NotAfter.Equal(root.NotAfter),
		"child notAfter %s must be clamped to issuer notAfter %s", cert.NotAfter, root.NotAfter)
}

func TestSignValidation(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Root", 365)

	subject := pki.Subject{CommonName: "x", Organization: "Example", Country: "DE"}

	cases := map[string]pki.SignRequest{
		"root type rejected": {
			Subject: subject, Type: pki.TypeRootCA, ValidityDays: 10, ParentSerial: root.SerialNumber,
		},
		"unknown type": {
			Subject: subject, Type: "WILDCARD", ValidityDays: 10, ParentSerial: root.SerialNumber,
		},
		"empty common name": {
			Subject: pki.Subject{Organization: "Example", Country: "DE"},
			Type:    pki.TypeEndEntity, ValidityDays: 10, ParentSerial: root.SerialNumber,
		},
		"bad country": {
			Subject: pki.Subject{CommonName: "x", Organization: "Example", Country: "DEU"},
			Type:    pki.TypeEndEntity, ValidityDays: 10, ParentSerial: root.SerialNumber,
		},
		"zero validity": {
			Subject: subject, Type: pki.TypeEndEntity, ValidityDays: 0, ParentSerial: root.SerialNumber,
		},
		"missing parent serial": {
			Subject: subject, Type: pki.TypeEndEntity, ValidityDays: 10,
		},
		"sans on intermediate": {
			Subject: subject, Type: pki.TypeIntermediateCA, ValidityDays: 10, ParentSerial: root.SerialNumber,
			SubjectAlternativeNames: []string{"DNS:ca.example.com"},
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := store.SignCertificate(t.Context(), req)
			assert.ErrorIs(t, err, pki.ErrValidation)
		})
	}

	_, err := store.SignCertificate(t.Context(), pki.SignRequest{
		Subject: subject, Type: pki.TypeEndEntity, ValidityDays: 10, ParentSerial: "feedface",
	})
	assert.ErrorIs(t, err, pki.ErrCertNotFound)
}

func TestSignRejectsNonCAParent(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Root", 365)

	leaf, err := store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "alice",
		Subject:      pki.Subject{CommonName: "leaf", Organization: "Example", Country: "DE"},
		Type:         pki.TypeEndEntity,
		ValidityDays: 30,
		ParentSerial: root.SerialNumber,
	})
	require.NoError(t, err)

	_, err = store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "alice",
		Subject:      pki.Subject{CommonName: "under leaf", Organization: "Example", Country: "DE"},
		Type:         pki.TypeEndEntity,
		ValidityDays: 10,
		ParentSerial: leaf.SerialNumber,
	})
	assert.ErrorIs(t, err, pki.ErrNotCA)
}

func TestIntermediateDepthLimit(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Root", 365)

	intermediate, err := store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "admin",
		Subject:      pki.Subject{CommonName: "Intermediate", Organization: "Example", Country: "DE"},
		Type:         pki.TypeIntermediateCA,
		ValidityDays: 180,
		ParentSerial: root.SerialNumber,
	})
	require.NoError(t, err)
	assert.True(t, intermediate.IsCA)

	// Default policy allows a single intermediate layer.
	_, err = store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "admin",
		Subject:      pki.Subject{CommonName: "Too Deep", Organization: "Example", Country: "DE"},
		Type:         pki.TypeIntermediateCA,
		ValidityDays: 90,
		ParentSerial: intermediate.SerialNumber,
	})
	assert.ErrorIs(t, err, pki.ErrPathTooLong)

	// End entities under the intermediate are still fine.
	_, err = store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "alice",
		Subject:      pki.Subject{CommonName: "leaf", Organization: "Example", Country: "DE"},
		Type:         pki.TypeEndEntity,
		ValidityDays: 30,
		ParentSerial: intermediate.SerialNumber,
	})
	assert.NoError(t, err)
}

func TestInsertSignedDuplicateSerial(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Root", 365)

	err := store.InsertSigned(t.Context(), root)
	assert.ErrorIs(t, err, pki.ErrDuplicateSerial)
}

func TestRevoke(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Root", 365)

	before := time.Now().UTC()
	require.NoError(t, store.Revoke(t.Context(), root.SerialNumber))

	got, err := store.GetBySerial(t.Context(), root.SerialNumber)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	require.NotNil(t, got.RevokedAt)
	firstRevokedAt := *got.RevokedAt
	assert.False(t, firstRevokedAt.Before(before.Truncate(time.Second)))

	// Idempotent: a second revoke neither fails nor moves the timestamp.
	require.NoError(t, store.Revoke(t.Context(), root.SerialNumber))
	got, err = store.GetBySerial(t.Context(), root.SerialNumber)
	require.NoError(t, err)
	assert.True(t, got.RevokedAt.Equal(firstRevokedAt))

	assert.ErrorIs(t, store.Revoke(t.Context(), "feedface"), pki.ErrCertNotFound)
}

func TestLists(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Root", 365)
	leaf, err := store.SignCertificate(t.Context(), pki.SignRequest{
		OwnerID:      "alice",
		Subject:      pki.Subject{CommonName: "leaf", Organization: "Example", Country: "DE"},
		Type:         pki.TypeEndEntity,
		ValidityDays: 30,
		ParentSerial: root.SerialNumber,
	})
	require.NoError(t, err)

	all, err := store.ListAll(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cas, err := store.ListCAs(t.Context())
	require.NoError(t, err)
	require.Len(t, cas, 1)
	assert.Equal(t, root.SerialNumber, cas[0].SerialNumber)

	mine, err := store.ListByOwner(t.Context(), "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, leaf.SerialNumber, mine[0].SerialNumber)

	nobody, err := store.ListByOwner(t.Context(), "mallory")
	require.NoError(t, err)
	assert.Empty(t, nobody)
}

func TestPrivateKey(t *testing.T) {
	store, _ := newStore(t)
	root := createRoot(t, store, "Root", 365)

	signer, err := store.PrivateKey(t.Context(), root.SerialNumber)
	require.NoError(t, err)
	require.NotNil(t, signer)

	parsed, err := root.X509()
	require.NoError(t, err)
	assert.Equal(t, parsed.PublicKey, signer.Public())

	_, err = store.PrivateKey(t.Context(), "feedface")
	assert.ErrorIs(t, err, pki.ErrNoPrivateKey)
}

func TestSplitSANs(t *testing.T) {
	dns, ips, err := pki.SplitSANs([]string{"DNS:a.example", "plain.example", "IP:192.0.2.1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "plain.example"}, dns)
	require.Len(t, ips, 1)
	assert.Equal(t, "192.0.2.1", ips[0].String())

	_, _, err = pki.SplitSANs([]string{"IP:not-an-ip"})
	assert.ErrorIs(t, err, pki.ErrValidation)
}
