package pki

import (
	"context"
	"crypto"
	"errors"
)

// KeyStore abstracts private-key operations so the registry can work with
// in-process software keys now and HSM/KMS-backed keys later without
// changing calling code. A keyID is an opaque handle whose format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque
	// identifier. Key generation is CPU-bound; implementations queue
	// requests on a bounded pool and honor ctx cancellation while
	// waiting for a slot. Once generation starts it runs to completion.
	GenerateKey(ctx context.Context) (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	// The returned Signer is what x509.CreateCertificate consumes.
	Signer(keyID string) (crypto.Signer, error)

	// Seal exports the private key as an encrypted blob suitable for
	// durable storage. The additional data binds the blob to its owning
	// record (the certificate serial number).
	Seal(keyID string, aad []byte) ([]byte, error)

	// Unseal loads a blob produced by Seal back into the store and
	// returns its key ID.
	Unseal(blob, aad []byte) (keyID string, err error)

	// Delete removes the key identified by keyID from the store.
	Delete(keyID string) error
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")
