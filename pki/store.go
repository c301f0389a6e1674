package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/certmill/certmill/internal/util"
	"github.com/certmill/certmill/storage"
)

// Policy holds the issuance knobs an operator can tune.
type Policy struct {
	// MaxIntermediateDepth is the number of intermediate layers allowed
	// between a leaf and the root. The default of 1 permits
	// root -> intermediate -> end-entity and nothing deeper.
	MaxIntermediateDepth int

	// DefaultOrganization and DefaultCountry fill the subject of root
	// certificates, which are created from a bare common name.
	DefaultOrganization string
	DefaultCountry      string

	// DefaultRootValidityDays applies when root creation does not specify
	// a validity period.
	DefaultRootValidityDays int
}

// DefaultPolicy returns the policy the registry ships with.
func DefaultPolicy() Policy {
	return Policy{
		MaxIntermediateDepth:    1,
		DefaultOrganization:     "PKI Organization",
		DefaultCountry:          "RS",
		DefaultRootValidityDays: 3650,
	}
}

// Store is the key and certificate registry. All methods are safe for
// concurrent use; writes that must be serialized per record (revocation)
// go through compare-and-set on the underlying repository.
type Store struct {
	repo   storage.Repository
	keys   KeyStore
	policy Policy
}

// NewStore creates a Store over the given repository and key store.
func NewStore(repo storage.Repository, keys KeyStore, policy Policy) *Store {
	return &Store{repo: repo, keys: keys, policy: policy}
}

// Policy returns the issuance policy the store was built with.
func (s *Store) Policy() Policy { return s.policy }

// serialAttempts bounds the regenerate loop on serial collisions. Random
// 63-bit serials collide essentially never; the bound exists so a broken
// RNG fails loudly instead of spinning.
const serialAttempts = 5

// SignRequest holds the parameters for issuing a certificate under an
// existing CA.
type SignRequest struct {
	OwnerID                 string
	Subject                 Subject
	Type                    CertificateType
	ValidityDays            int
	ParentSerial            string
	SubjectAlternativeNames []string
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// CreateRoot generates a new key pair and a self-signed root CA
// certificate. The organization and country come from policy; validityDays
// of 0 selects the policy default.
func (s *Store) CreateRoot(ctx context.Context, ownerID, commonName string, validityDays int) (*Certificate, error) {
	if strings.TrimSpace(commonName) == "" {
		return nil, fmt.Errorf("%w: commonName must not be empty", ErrValidation)
	}
	if validityDays == 0 {
		validityDays = s.policy.DefaultRootValidityDays
	}
	if validityDays < 1 {
		return nil, fmt.Errorf("%w: validityDays must be at least 1", ErrValidation)
	}

	keyID, err := s.keys.GenerateKey(ctx)
	if err != nil {
		return nil, err
	}
	defer s.keys.Delete(keyID)
	signer, err := s.keys.Signer(keyID)
	if err != nil {
		return nil, err
	}

	subject := Subject{
		CommonName:   commonName,
		Organization: s.policy.DefaultOrganization,
		Country:      s.policy.DefaultCountry,
	}
	now := time.Now().UTC()
	notAfter := now.AddDate(0, 0, validityDays)

	var cert *Certificate
	for attempt := 0; attempt < serialAttempts; attempt++ {
		serial, err := util.RandomSerial()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		template, err := buildTemplate(serial, subject, signer.Public(), true, now, notAfter, nil)
		if err != nil {
			return nil, err
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
		if err != nil {
			return nil, fmt.Errorf("%w: self-signing root certificate: %v", ErrCrypto, err)
		}

		cert = &Certificate{
			SerialNumber: serial.Text(16),
			Subject:      subject,
			Type:         TypeRootCA,
			IsCA:         true,
			NotBefore:    now,
			NotAfter:     notAfter,
			OwnerID:      ownerID,
			DER:          der,
			CreatedAt:    now,
		}
		err = s.InsertSigned(ctx, cert)
		if errors.Is(err, ErrDuplicateSerial) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.storeKey(keyID, cert.SerialNumber); err != nil {
			return nil, err
		}
		return cert, nil
	}
	return nil, fmt.Errorf("%w: exhausted serial number attempts", ErrCrypto)
}

// SignCertificate issues a certificate under the parent CA named in the
// request, generating a fresh key pair for the new certificate. The parent
// chain is validated before any key material is touched.
func (s *Store) SignCertificate(ctx context.Context, req SignRequest) (*Certificate, error) {
	return s.mint(ctx, req, nil)
}

// SignPublicKey issues a certificate under the parent CA for an externally
// held key (the CSR approval path). No private key is stored.
func (s *Store) SignPublicKey(ctx context.Context, req SignRequest, pub crypto.PublicKey) (*Certificate, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: public key must not be nil", ErrValidation)
	}
	return s.mint(ctx, req, pub)
}

func (s *Store) mint(ctx context.Context, req SignRequest, pub crypto.PublicKey) (*Certificate, error) {
	if err := validateSignRequest(req); err != nil {
		return nil, err
	}

	// The issuer chain must be fully valid at the moment of signing.
	chain, err := s.ValidateChain(ctx, req.ParentSerial)
	if err != nil {
		return nil, err
	}
	parent := chain[0]
	if !parent.IsCA {
		return nil, fmt.Errorf("%s: %w", parent.SerialNumber, ErrNotCA)
	}
	if req.Type == TypeIntermediateCA {
		if intermediates(chain)+1 > s.policy.MaxIntermediateDepth {
			return nil, fmt.Errorf("%w: issuing under %s would exceed %d intermediate layer(s)",
				ErrPathTooLong, parent.SerialNumber, s.policy.MaxIntermediateDepth)
		}
	}
	parentX509, err := parent.X509()
	if err != nil {
		return nil, err
	}
	parentSigner, err := s.PrivateKey(ctx, parent.SerialNumber)
	if err != nil {
		return nil, err
	}

	generated := ""
	if pub == nil {
		keyID, err := s.keys.GenerateKey(ctx)
		if err != nil {
			return nil, err
		}
		defer s.keys.Delete(keyID)
		signer, err := s.keys.Signer(keyID)
		if err != nil {
			return nil, err
		}
		generated = keyID
		pub = signer.Public()
	}

	now := time.Now().UTC()
	notAfter := now.AddDate(0, 0, req.ValidityDays)
	// A certificate must never outlive its issuer.
	if notAfter.After(parent.NotAfter) {
		notAfter = parent.NotAfter
	}

	isCA := req.Type == TypeIntermediateCA

	for attempt := 0; attempt < serialAttempts; attempt++ {
		serial, err := util.RandomSerial()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		template, err := buildTemplate(serial, req.Subject, pub, isCA, now, notAfter, req.SubjectAlternativeNames)
		if err != nil {
			return nil, err
		}
		der, err := x509.CreateCertificate(rand.Reader, template, parentX509, pub, parentSigner)
		if err != nil {
			return nil, fmt.Errorf("%w: signing certificate: %v", ErrCrypto, err)
		}

		cert := &Certificate{
			SerialNumber:            serial.Text(16),
			Subject:                 req.Subject,
			IssuerSerialNumber:      parent.SerialNumber,
			Type:                    req.Type,
			IsCA:                    isCA,
			NotBefore:               now,
			NotAfter:                notAfter,
			OwnerID:                 req.OwnerID,
			SubjectAlternativeNames: req.SubjectAlternativeNames,
			DER:                     der,
			CreatedAt:               now,
		}
		err = s.InsertSigned(ctx, cert)
		if errors.Is(err, ErrDuplicateSerial) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if generated != "" {
			if err := s.storeKey(generated, cert.SerialNumber); err != nil {
				return nil, err
			}
		}
		return cert, nil
	}
	return nil, fmt.Errorf("%w: exhausted serial number attempts", ErrCrypto)
}

func validateSignRequest(req SignRequest) error {
	switch req.Type {
	case TypeIntermediateCA, TypeEndEntity:
	case TypeRootCA:
		return fmt.Errorf("%w: roots are created with CreateRoot, not signed", ErrValidation)
	default:
		return fmt.Errorf("%w: unknown certificate type %q", ErrValidation, req.Type)
	}
	if err := ValidateSubject(req.Subject); err != nil {
		return err
	}
	if req.ValidityDays < 1 {
		return fmt.Errorf("%w: validityDays must be at least 1", ErrValidation)
	}
	if req.ParentSerial == "" {
		return fmt.Errorf("%w: parentCaSerialNumber must not be empty", ErrValidation)
	}
	if req.Type != TypeEndEntity && len(req.SubjectAlternativeNames) > 0 {
		return fmt.Errorf("%w: subjectAlternativeNames are only valid for END_ENTITY certificates", ErrValidation)
	}
	return nil
}

// ValidateSubject checks the distinguished-name fields every issuance and
// signing request must carry.
func ValidateSubject(sub Subject) error {
	if strings.TrimSpace(sub.CommonName) == "" {
		return fmt.Errorf("%w: commonName must not be empty", ErrValidation)
	}
	if strings.TrimSpace(sub.Organization) == "" {
		return fmt.Errorf("%w: organization must not be empty", ErrValidation)
	}
	if !validCountry(sub.Country) {
		return fmt.Errorf("%w: country must be a 2-letter code", ErrValidation)
	}
	return nil
}

func validCountry(c string) bool {
	if len(c) != 2 {
		return false
	}
	for _, r := range c {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// intermediates counts the INTERMEDIATE_CA certificates in a chain.
func intermediates(chain []*Certificate) int {
	n := 0
	for _, c := range chain {
		if c.Type == TypeIntermediateCA {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Certificate construction
// ---------------------------------------------------------------------------

func buildTemplate(serial *big.Int, subject Subject, pub crypto.PublicKey, isCA bool, notBefore, notAfter time.Time, sans []string) (*x509.Certificate, error) {
	ski, err := SubjectKeyID(pub)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               SubjectName(subject),
		SubjectKeyId:          ski,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment
	}

	dns, ips, err := SplitSANs(sans)
	if err != nil {
		return nil, err
	}
	template.DNSNames = dns
	template.IPAddresses = ips

	return template, nil
}

// SubjectName converts a Subject into the pkix.Name embedded in issued
// certificates and signing requests.
func SubjectName(subject Subject) pkix.Name {
	name := pkix.Name{CommonName: subject.CommonName}
	if subject.Organization != "" {
		name.Organization = []string{subject.Organization}
	}
	if subject.Country != "" {
		name.Country = []string{strings.ToUpper(subject.Country)}
	}
	return name
}

// SplitSANs parses the "DNS:"/"IP:" prefixed SAN list the API accepts.
// Unprefixed entries are treated as DNS names.
func SplitSANs(sans []string) (dns []string, ips []net.IP, err error) {
	for _, san := range sans {
		switch {
		case strings.HasPrefix(san, "DNS:"):
			dns = append(dns, strings.TrimPrefix(san, "DNS:"))
		case strings.HasPrefix(san, "IP:"):
			ip := net.ParseIP(strings.TrimPrefix(san, "IP:"))
			if ip == nil {
				return nil, nil, fmt.Errorf("%w: invalid IP subject alternative name %q", ErrValidation, san)
			}
			ips = append(ips, ip)
		default:
			dns = append(dns, san)
		}
	}
	return dns, ips, nil
}

// SubjectKeyID computes the SHA-1 subject key identifier of a public key,
// matching the profile of previously issued certificates.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha1.Sum(der)
	return sum[:], nil
}

// ---------------------------------------------------------------------------
// Registry reads and writes
// ---------------------------------------------------------------------------

// InsertSigned persists a freshly signed certificate. It fails with
// ErrDuplicateSerial on a serial collision so the caller can regenerate.
func (s *Store) InsertSigned(ctx context.Context, cert *Certificate) error {
	rec, err := encodeCertRecord(cert, 1)
	if err != nil {
		return err
	}
	err = s.repo.Create(storage.TypeCertificate, cert.SerialNumber, rec)
	if errors.Is(err, storage.ErrDuplicate) {
		return fmt.Errorf("%s: %w", cert.SerialNumber, ErrDuplicateSerial)
	}
	return err
}

func (s *Store) storeKey(keyID, serial string) error {
	blob, err := s.keys.Seal(keyID, []byte(serial))
	if err != nil {
		return fmt.Errorf("sealing key for %s: %w", serial, err)
	}
	return s.repo.Put(storage.TypeKey, serial, &storage.Record{Version: 1, Data: blob})
}

// GetBySerial returns the certificate record for serial, or ErrCertNotFound.
func (s *Store) GetBySerial(ctx context.Context, serial string) (*Certificate, error) {
	rec, err := s.repo.Get(storage.TypeCertificate, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", serial, ErrCertNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeCertRecord(rec)
}

// PrivateKey returns a signer for the certificate's stored private key, or
// ErrNoPrivateKey when the registry never held one (CSR-issued leaves).
func (s *Store) PrivateKey(ctx context.Context, serial string) (crypto.Signer, error) {
	rec, err := s.repo.Get(storage.TypeKey, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", serial, ErrNoPrivateKey)
	}
	if err != nil {
		return nil, err
	}
	keyID, err := s.keys.Unseal(rec.Data, []byte(serial))
	if err != nil {
		return nil, err
	}
	defer s.keys.Delete(keyID)
	return s.keys.Signer(keyID)
}

// ListAll returns every certificate, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]*Certificate, error) {
	return s.list(ctx, func(*Certificate) bool { return true })
}

// ListCAs returns every certificate with isCa=true, oldest first.
func (s *Store) ListCAs(ctx context.Context) ([]*Certificate, error) {
	return s.list(ctx, func(c *Certificate) bool { return c.IsCA })
}

// ListByOwner returns the certificates owned by userID, oldest first.
func (s *Store) ListByOwner(ctx context.Context, userID string) ([]*Certificate, error) {
	return s.list(ctx, func(c *Certificate) bool { return c.OwnerID == userID })
}

func (s *Store) list(ctx context.Context, keep func(*Certificate) bool) ([]*Certificate, error) {
	ids, err := s.repo.List(storage.TypeCertificate)
	if err != nil {
		return nil, err
	}
	certs := make([]*Certificate, 0, len(ids))
	for _, id := range ids {
		cert, err := s.GetBySerial(ctx, id)
		if err != nil {
			return nil, err
		}
		if keep(cert) {
			certs = append(certs, cert)
		}
	}
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].CreatedAt.Equal(certs[j].CreatedAt) {
			return certs[i].SerialNumber < certs[j].SerialNumber
		}
		return certs[i].CreatedAt.Before(certs[j].CreatedAt)
	})
	return certs, nil
}

// revokeAttempts bounds the CAS retry loop for revocation.
const revokeAttempts = 5

// Revoke marks a certificate revoked. It is idempotent and does not cascade
// to descendants; chain validation re-checks every ancestor on each walk, so
// descendants are observed revoked lazily.
func (s *Store) Revoke(ctx context.Context, serial string) error {
	for attempt := 0; attempt < revokeAttempts; attempt++ {
		rec, err := s.repo.Get(storage.TypeCertificate, serial)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", serial, ErrCertNotFound)
		}
		if err != nil {
			return err
		}
		cert, err := decodeCertRecord(rec)
		if err != nil {
			return err
		}
		if cert.Revoked {
			return nil
		}
		now := time.Now().UTC()
		cert.Revoked = true
		cert.RevokedAt = &now

		updated, err := encodeCertRecord(cert, rec.Version+1)
		if err != nil {
			return err
		}
		err = s.repo.PutCAS(storage.TypeCertificate, serial, rec.Version, updated)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		return err
	}
	return fmt.Errorf("revoking %s: %w", serial, storage.ErrCASFailed)
}
