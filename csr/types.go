// Package csr implements certificate-signing-request intake and review.
// A CSR is created PENDING and transitions exactly once to APPROVED or
// REJECTED; the transition is guarded by compare-and-set so concurrent
// reviews cannot both succeed.
package csr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/certmill/certmill/pki"
	"github.com/certmill/certmill/storage"
)

var (
	// ErrCSRNotFound is returned when the referenced CSR ID does not exist.
	ErrCSRNotFound = errors.New("CSR not found")

	// ErrAlreadyReviewed is returned when reviewing a CSR that has left
	// the PENDING state. Terminal states have no outgoing transitions.
	ErrAlreadyReviewed = errors.New("CSR has already been reviewed")

	// ErrMissingReason is returned when a rejection carries no reason.
	// The requester is always shown why their request was declined.
	ErrMissingReason = errors.New("rejection requires a reason")

	// ErrMissingIssuer is returned when an approval names no CA to sign
	// with.
	ErrMissingIssuer = errors.New("approval requires a selected CA")

	// ErrIssuerInvalid is returned when the selected CA fails chain
	// validation. The wrapped error carries the specific reason so the
	// reviewer can pick another CA.
	ErrIssuerInvalid = errors.New("selected CA is not currently valid")

	// ErrInvalidCSR is returned when an uploaded PKCS#10 request cannot be
	// parsed or its self-signature does not verify.
	ErrInvalidCSR = errors.New("invalid certificate signing request")
)

// Status is the review state of a CSR.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// CSR is the stored signing request. PublicKeyPEM is the key that will be
// certified on approval; the private half stays with the requester.
type CSR struct {
	ID                            string      `json:"id"`
	RequesterID                   string      `json:"requesterId"`
	Subject                       pki.Subject `json:"subject"`
	ValidityDays                  int         `json:"validityDays"`
	SubjectAlternativeNames       []string    `json:"subjectAlternativeNames,omitempty"`
	PublicKeyPEM                  string      `json:"publicKeyPem"`
	CSRPEM                        string      `json:"csrPem"`
	Status                        Status      `json:"status"`
	CreatedAt                     time.Time   `json:"createdAt"`
	ReviewerID                    string      `json:"reviewerId,omitempty"`
	ReviewedAt                    *time.Time  `json:"reviewedAt,omitempty"`
	RejectionReason               string      `json:"rejectionReason,omitempty"`
	IssuedCertificateSerialNumber string      `json:"issuedCertificateSerialNumber,omitempty"`
}

// Decision is a reviewer's verdict on a PENDING CSR.
type Decision struct {
	Approved               bool
	RejectionReason        string
	SelectedCASerialNumber string
}

func encodeCSR(c *CSR, version uint64) (*storage.Record, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding CSR record: %w", err)
	}
	return &storage.Record{Version: version, Data: data}, nil
}

func decodeCSR(rec *storage.Record) (*CSR, error) {
	var c CSR
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return nil, fmt.Errorf("decoding CSR record: %w", err)
	}
	return &c, nil
}
