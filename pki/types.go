// Package pki implements the certificate-authority core: the durable
// registry of issued certificates, key generation and signing, and X.509
// chain validation. Certificates form a tree linked by issuer serial
// numbers; records are never deleted, only marked revoked.
package pki

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/certmill/certmill/storage"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrCertNotFound is returned when the referenced serial number is not
	// in the registry.
	ErrCertNotFound = errors.New("certificate not found")

	// ErrDuplicateSerial is returned by InsertSigned when the serial number
	// collides with an existing record. Callers regenerate and retry.
	ErrDuplicateSerial = errors.New("duplicate serial number")

	// ErrValidation is returned for malformed issuance parameters. The
	// wrapped message names the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrNotCA is returned when a signing operation references a parent
	// certificate that is not a certificate authority.
	ErrNotCA = errors.New("certificate is not a CA")

	// ErrNoPrivateKey is returned when the registry holds no private key
	// for the referenced certificate (e.g. CSR-issued certificates, where
	// the requester keeps the key).
	ErrNoPrivateKey = errors.New("no private key stored for certificate")

	// ErrCrypto wraps key generation and signing failures. These are never
	// retried silently.
	ErrCrypto = errors.New("crypto failure")
)

// CertificateType distinguishes the three roles a certificate can play in
// the trust tree.
type CertificateType string

const (
	TypeRootCA         CertificateType = "ROOT_CA"
	TypeIntermediateCA CertificateType = "INTERMEDIATE_CA"
	TypeEndEntity      CertificateType = "END_ENTITY"
)

// IsCA reports whether certificates of this type may sign others.
func (t CertificateType) IsCA() bool {
	return t == TypeRootCA || t == TypeIntermediateCA
}

// Subject holds the distinguished-name fields the registry tracks.
type Subject struct {
	CommonName   string `json:"commonName"`
	Organization string `json:"organization"`
	Country      string `json:"country"`
}

// Certificate is the registry record for one issued certificate. The raw
// DER is authoritative; the other fields are indexed projections of it plus
// revocation state.
type Certificate struct {
	SerialNumber            string          `json:"serialNumber"`
	Subject                 Subject         `json:"subject"`
	IssuerSerialNumber      string          `json:"issuerSerialNumber,omitempty"`
	Type                    CertificateType `json:"type"`
	IsCA                    bool            `json:"isCa"`
	NotBefore               time.Time       `json:"notBefore"`
	NotAfter                time.Time       `json:"notAfter"`
	OwnerID                 string          `json:"ownerId"`
	SubjectAlternativeNames []string        `json:"subjectAlternativeNames,omitempty"`
	Revoked                 bool            `json:"revoked"`
	RevokedAt               *time.Time      `json:"revokedAt,omitempty"`
	DER                     []byte          `json:"der"`
	CreatedAt               time.Time       `json:"createdAt"`
}

// X509 parses the stored DER into an x509.Certificate.
func (c *Certificate) X509() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(c.DER)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %s: %w", c.SerialNumber, err)
	}
	return cert, nil
}

// SelfSigned reports whether this is a root of the trust tree.
func (c *Certificate) SelfSigned() bool {
	return c.IssuerSerialNumber == ""
}

func encodeCertRecord(c *Certificate, version uint64) (*storage.Record, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding certificate record: %w", err)
	}
	return &storage.Record{Version: version, Data: data}, nil
}

func decodeCertRecord(rec *storage.Record) (*Certificate, error) {
	var c Certificate
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return nil, fmt.Errorf("decoding certificate record: %w", err)
	}
	return &c, nil
}
