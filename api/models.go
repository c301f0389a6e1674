package api

import (
	"time"

	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/csr"
	"github.com/certmill/certmill/pki"
)

// ErrorResponse is the body of all non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned from POST /auth/login and POST /auth/register.
type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateRootRequest is the JSON body for POST /certificates/root.
type CreateRootRequest struct {
	CommonName   string `json:"commonName"`
	ValidityDays int    `json:"validityDays"`
}

// SignCertificateRequest is the JSON body for POST /certificates/sign.
type SignCertificateRequest struct {
	CommonName              string   `json:"commonName"`
	Organization            string   `json:"organization,omitempty"`
	Country                 string   `json:"country,omitempty"`
	Type                    string   `json:"type"`
	ValidityDays            int      `json:"validityDays"`
	IssuerSerialNumber      string   `json:"issuerSerialNumber"`
	SubjectAlternativeNames []string `json:"subjectAlternativeNames,omitempty"`
}

// CertificateResponse describes a stored certificate. Private key material
// is never part of this shape.
type CertificateResponse struct {
	SerialNumber            string     `json:"serialNumber"`
	CommonName              string     `json:"commonName"`
	Organization            string     `json:"organization,omitempty"`
	Country                 string     `json:"country,omitempty"`
	Type                    string     `json:"type"`
	IsCA                    bool       `json:"isCa"`
	IssuerSerialNumber      string     `json:"issuerSerialNumber,omitempty"`
	NotBefore               time.Time  `json:"notBefore"`
	NotAfter                time.Time  `json:"notAfter"`
	OwnerID                 string     `json:"ownerId"`
	SubjectAlternativeNames []string   `json:"subjectAlternativeNames,omitempty"`
	Revoked                 bool       `json:"revoked"`
	RevokedAt               *time.Time `json:"revokedAt,omitempty"`
}

// ValidateResponse is returned from GET /certificates/{serial}/validate.
type ValidateResponse struct {
	SerialNumber string   `json:"serialNumber"`
	Valid        bool     `json:"valid"`
	Reason       string   `json:"reason,omitempty"`
	Chain        []string `json:"chain,omitempty"`
}

// SubmitCSRRequest is the JSON body for POST /csr.
type SubmitCSRRequest struct {
	CommonName              string   `json:"commonName"`
	Organization            string   `json:"organization,omitempty"`
	Country                 string   `json:"country,omitempty"`
	ValidityDays            int      `json:"validityDays"`
	SubjectAlternativeNames []string `json:"subjectAlternativeNames,omitempty"`
}

// ReviewCSRRequest is the JSON body for POST /csr/{id}/review.
type ReviewCSRRequest struct {
	Approved               bool   `json:"approved"`
	RejectionReason        string `json:"rejectionReason,omitempty"`
	SelectedCASerialNumber string `json:"selectedCaSerialNumber,omitempty"`
}

// CSRResponse describes a certificate signing request and its review state.
type CSRResponse struct {
	ID                            string     `json:"id"`
	RequesterID                   string     `json:"requesterId"`
	CommonName                    string     `json:"commonName"`
	Organization                  string     `json:"organization,omitempty"`
	Country                       string     `json:"country,omitempty"`
	ValidityDays                  int        `json:"validityDays"`
	SubjectAlternativeNames       []string   `json:"subjectAlternativeNames,omitempty"`
	PublicKeyPEM                  string     `json:"publicKeyPem"`
	Status                        string     `json:"status"`
	CreatedAt                     time.Time  `json:"createdAt"`
	ReviewerID                    string     `json:"reviewerId,omitempty"`
	ReviewedAt                    *time.Time `json:"reviewedAt,omitempty"`
	RejectionReason               string     `json:"rejectionReason,omitempty"`
	IssuedCertificateSerialNumber string     `json:"issuedCertificateSerialNumber,omitempty"`
}

// CreateAssignmentRequest is the JSON body for POST /ca-assignments.
type CreateAssignmentRequest struct {
	UserID              string `json:"userId"`
	CACertificateSerial string `json:"caCertificateSerial"`
}

// AssignmentResponse describes a CA assignment.
type AssignmentResponse struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"userId"`
	CACertificateSerial string    `json:"caCertificateSerial"`
	AssignedByUserID    string    `json:"assignedByUserId"`
	AssignedAt          time.Time `json:"assignedAt"`
	Active              bool      `json:"active"`
}

func toCertificateResponse(c *pki.Certificate) CertificateResponse {
	return CertificateResponse{
		SerialNumber:            c.SerialNumber,
		CommonName:              c.Subject.CommonName,
		Organization:            c.Subject.Organization,
		Country:                 c.Subject.Country,
		Type:                    string(c.Type),
		IsCA:                    c.IsCA,
		IssuerSerialNumber:      c.IssuerSerialNumber,
		NotBefore:               c.NotBefore,
		NotAfter:                c.NotAfter,
		OwnerID:                 c.OwnerID,
		SubjectAlternativeNames: c.SubjectAlternativeNames,
		Revoked:                 c.Revoked,
		RevokedAt:               c.RevokedAt,
	}
}

func toCertificateResponses(certs []*pki.Certificate) []CertificateResponse {
	out := make([]CertificateResponse, 0, len(certs))
	for _, c := range certs {
		out = append(out, toCertificateResponse(c))
	}
	return out
}

func toCSRResponse(c *csr.CSR) CSRResponse {
	return CSRResponse{
		ID:                            c.ID,
		RequesterID:                   c.RequesterID,
		CommonName:                    c.Subject.CommonName,
		Organization:                  c.Subject.Organization,
		Country:                       c.Subject.Country,
		ValidityDays:                  c.ValidityDays,
		SubjectAlternativeNames:       c.SubjectAlternativeNames,
		PublicKeyPEM:                  c.PublicKeyPEM,
		Status:                        string(c.Status),
		CreatedAt:                     c.CreatedAt,
		ReviewerID:                    c.ReviewerID,
		ReviewedAt:                    c.ReviewedAt,
		RejectionReason:               c.RejectionReason,
		IssuedCertificateSerialNumber: c.IssuedCertificateSerialNumber,
	}
}

func toCSRResponses(items []*csr.CSR) []CSRResponse {
	out := make([]CSRResponse, 0, len(items))
	for _, c := range items {
		out = append(out, toCSRResponse(c))
	}
	return out
}

func toAssignmentResponse(a *authz.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:                  a.ID,
		UserID:              a.UserID,
		CACertificateSerial: a.CACertificateSerial,
		AssignedByUserID:    a.AssignedByUserID,
		AssignedAt:          a.AssignedAt,
		Active:              a.Active,
	}
}
