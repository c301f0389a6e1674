package csr

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/internal/uuid"
	"github.com/certmill/certmill/pki"
	"github.com/certmill/certmill/storage"
)

// Processor handles CSR submission and review. Reviews that approve a CSR
// consult the authorization gate and the chain validator before any
// certificate is minted.
type Processor struct {
	repo  storage.Repository
	store *pki.Store
	gate  *authz.Gate
	keys  pki.KeyStore
}

// NewProcessor creates a Processor over the given collaborators.
func NewProcessor(repo storage.Repository, store *pki.Store, gate *authz.Gate, keys pki.KeyStore) *Processor {
	return &Processor{repo: repo, store: store, gate: gate, keys: keys}
}

// Submit creates a PENDING CSR. The key pair and the PKCS#10 structure are
// generated server-side; only the public half is retained.
func (p *Processor) Submit(ctx context.Context, requesterID string, subject pki.Subject, validityDays int, sans []string) (*CSR, error) {
	if err := pki.ValidateSubject(subject); err != nil {
		return nil, err
	}
	if validityDays < 1 {
		return nil, fmt.Errorf("%w: validityDays must be at least 1", pki.ErrValidation)
	}
	dns, ips, err := pki.SplitSANs(sans)
	if err != nil {
		return nil, err
	}

	keyID, err := p.keys.GenerateKey(ctx)
	if err != nil {
		return nil, err
	}
	defer p.keys.Delete(keyID)
	signer, err := p.keys.Signer(keyID)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		Subject:            pki.SubjectName(subject),
		DNSNames:           dns,
		IPAddresses:        ips,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: creating certificate request: %v", pki.ErrCrypto, err)
	}
	pubPEM, err := publicKeyPEM(signer.Public())
	if err != nil {
		return nil, err
	}

	record := &CSR{
		ID:                      uuid.New(),
		RequesterID:             requesterID,
		Subject:                 subject,
		ValidityDays:            validityDays,
		SubjectAlternativeNames: sans,
		PublicKeyPEM:            pubPEM,
		CSRPEM:                  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})),
		Status:                  StatusPending,
		CreatedAt:               time.Now().UTC(),
	}
	if err := p.insert(record); err != nil {
		return nil, err
	}
	return record, nil
}

// SubmitUpload creates a PENDING CSR from an externally generated PKCS#10
// request. The request's self-signature must verify; subject, SANs and
// public key are extracted from it.
func (p *Processor) SubmitUpload(ctx context.Context, requesterID, csrPEM string, validityDays int) (*CSR, error) {
	if validityDays < 1 {
		return nil, fmt.Errorf("%w: validityDays must be at least 1", pki.ErrValidation)
	}

	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: expected a CERTIFICATE REQUEST PEM block", ErrInvalidCSR)
	}
	req, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := req.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature check failed: %v", ErrInvalidCSR, err)
	}

	subject := pki.Subject{CommonName: req.Subject.CommonName}
	if len(req.Subject.Organization) > 0 {
		subject.Organization = req.Subject.Organization[0]
	}
	if len(req.Subject.Country) > 0 {
		subject.Country = req.Subject.Country[0]
	}
	if err := pki.ValidateSubject(subject); err != nil {
		return nil, err
	}

	var sans []string
	for _, d := range req.DNSNames {
		sans = append(sans, "DNS:"+d)
	}
	for _, ip := range req.IPAddresses {
		sans = append(sans, "IP:"+ip.String())
	}

	pubPEM, err := publicKeyPEM(req.PublicKey)
	if err != nil {
		return nil, err
	}

	record := &CSR{
		ID:                      uuid.New(),
		RequesterID:             requesterID,
		Subject:                 subject,
		ValidityDays:            validityDays,
		SubjectAlternativeNames: sans,
		PublicKeyPEM:            pubPEM,
		CSRPEM:                  csrPEM,
		Status:                  StatusPending,
		CreatedAt:               time.Now().UTC(),
	}
	if err := p.insert(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Review applies a reviewer's decision to a PENDING CSR. The PENDING ->
// {APPROVED, REJECTED} transition happens exactly once; losing a concurrent
// race surfaces as ErrAlreadyReviewed.
func (p *Processor) Review(ctx context.Context, csrID string, reviewer authz.Principal, decision Decision) (*CSR, error) {
	rec, err := p.repo.Get(storage.TypeCSR, csrID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", csrID, ErrCSRNotFound)
	}
	if err != nil {
		return nil, err
	}
	record, err := decodeCSR(rec)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusPending {
		return nil, fmt.Errorf("%s is %s: %w", csrID, record.Status, ErrAlreadyReviewed)
	}

	if !decision.Approved {
		return p.reject(record, rec.Version, reviewer, decision)
	}
	return p.approve(ctx, record, rec.Version, reviewer, decision)
}

func (p *Processor) reject(record *CSR, version uint64, reviewer authz.Principal, decision Decision) (*CSR, error) {
	if strings.TrimSpace(decision.RejectionReason) == "" {
		return nil, fmt.Errorf("%w: %w", pki.ErrValidation, ErrMissingReason)
	}

	now := time.Now().UTC()
	record.Status = StatusRejected
	record.ReviewerID = reviewer.ID
	record.ReviewedAt = &now
	record.RejectionReason = decision.RejectionReason

	updated, err := encodeCSR(record, version+1)
	if err != nil {
		return nil, err
	}
	err = p.repo.PutCAS(storage.TypeCSR, record.ID, version, updated)
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, fmt.Errorf("%s: %w", record.ID, ErrAlreadyReviewed)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (p *Processor) approve(ctx context.Context, record *CSR, version uint64, reviewer authz.Principal, decision Decision) (*CSR, error) {
	caSerial := decision.SelectedCASerialNumber
	if caSerial == "" {
		return nil, fmt.Errorf("%w: %w", pki.ErrValidation, ErrMissingIssuer)
	}

	authorized, err := p.gate.IsAuthorized(ctx, reviewer, caSerial)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, fmt.Errorf("%s may not sign with CA %s: %w", reviewer.ID, caSerial, authz.ErrForbidden)
	}

	// The chosen CA's whole chain must be valid right now; a stale or
	// revoked issuer is reported distinctly so the reviewer can select
	// another one.
	if _, err := p.store.ValidateChain(ctx, caSerial); err != nil {
		if pki.ChainFailure(err) != nil {
			return nil, fmt.Errorf("%w: %w", ErrIssuerInvalid, err)
		}
		return nil, err
	}

	pub, err := parsePublicKeyPEM(record.PublicKeyPEM)
	if err != nil {
		return nil, err
	}

	// Claim the review before minting so a concurrent reviewer loses the
	// CAS race instead of issuing a second certificate.
	now := time.Now().UTC()
	record.Status = StatusApproved
	record.ReviewerID = reviewer.ID
	record.ReviewedAt = &now

	claimed, err := encodeCSR(record, version+1)
	if err != nil {
		return nil, err
	}
	err = p.repo.PutCAS(storage.TypeCSR, record.ID, version, claimed)
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, fmt.Errorf("%s: %w", record.ID, ErrAlreadyReviewed)
	}
	if err != nil {
		return nil, err
	}

	cert, err := p.store.SignPublicKey(ctx, pki.SignRequest{
		OwnerID:                 record.RequesterID,
		Subject:                 record.Subject,
		Type:                    pki.TypeEndEntity,
		ValidityDays:            record.ValidityDays,
		ParentSerial:            caSerial,
		SubjectAlternativeNames: record.SubjectAlternativeNames,
	}, pub)
	if err != nil {
		// Give the claim back so the CSR can be reviewed again after a
		// transient failure.
		record.Status = StatusPending
		record.ReviewerID = ""
		record.ReviewedAt = nil
		restored, restoreErr := encodeCSR(record, version+2)
		if restoreErr == nil {
			restoreErr = p.repo.Put(storage.TypeCSR, record.ID, restored)
		}
		if restoreErr != nil {
			// The CSR is stranded APPROVED with no issued certificate;
			// report both failures so an operator can intervene.
			return nil, fmt.Errorf("restoring %s to PENDING after failed issuance: %v: %w",
				record.ID, restoreErr, err)
		}
		return nil, err
	}

	record.IssuedCertificateSerialNumber = cert.SerialNumber
	final, err := encodeCSR(record, version+2)
	if err != nil {
		return nil, err
	}
	if err := p.repo.Put(storage.TypeCSR, record.ID, final); err != nil {
		return nil, err
	}
	return record, nil
}

// GetByID returns one CSR or ErrCSRNotFound.
func (p *Processor) GetByID(ctx context.Context, csrID string) (*CSR, error) {
	rec, err := p.repo.Get(storage.TypeCSR, csrID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", csrID, ErrCSRNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeCSR(rec)
}

// ListByRequester returns the CSRs submitted by userID, oldest first.
func (p *Processor) ListByRequester(ctx context.Context, userID string) ([]*CSR, error) {
	return p.list(func(c *CSR) bool { return c.RequesterID == userID })
}

// ListAll returns every CSR, oldest first. Intended for reviewer views.
func (p *Processor) ListAll(ctx context.Context) ([]*CSR, error) {
	return p.list(func(*CSR) bool { return true })
}

func (p *Processor) list(keep func(*CSR) bool) ([]*CSR, error) {
	ids, err := p.repo.List(storage.TypeCSR)
	if err != nil {
		return nil, err
	}
	records := make([]*CSR, 0, len(ids))
	for _, id := range ids {
		rec, err := p.repo.Get(storage.TypeCSR, id)
		if err != nil {
			return nil, err
		}
		record, err := decodeCSR(rec)
		if err != nil {
			return nil, err
		}
		if keep(record) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (p *Processor) insert(record *CSR) error {
	rec, err := encodeCSR(record, 1)
	if err != nil {
		return err
	}
	return p.repo.Create(storage.TypeCSR, record.ID, rec)
}

func publicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parsePublicKeyPEM(pubPEM string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: stored public key is not PEM", ErrInvalidCSR)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing stored public key: %v", ErrInvalidCSR, err)
	}
	return pub, nil
}
