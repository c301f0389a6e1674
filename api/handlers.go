package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/export"
	"github.com/certmill/certmill/pki"
)

// ---------------------------------------------------------------------------
// Certificate handlers
// ---------------------------------------------------------------------------

// CreateRoot handles POST /certificates/root.
func (a *API) CreateRoot(w http.ResponseWriter, r *http.Request) {
	var req CreateRootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p := principalFromContext(r.Context())
	cert, err := a.store.CreateRoot(r.Context(), p.ID, req.CommonName, req.ValidityDays)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditRootCreated, r, p.ID, slog.String("serial", cert.SerialNumber))
	writeJSON(w, http.StatusCreated, toCertificateResponse(cert))
}

// SignCertificate handles POST /certificates/sign: direct issuance of an
// intermediate or end-entity certificate under an existing CA. The caller
// must hold an active assignment for the issuing CA (or be an admin with
// bypass enabled); role gating alone is not enough.
func (a *API) SignCertificate(w http.ResponseWriter, r *http.Request) {
	var req SignCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	certType := pki.CertificateType(req.Type)
	if certType != pki.TypeIntermediateCA && certType != pki.TypeEndEntity {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("type must be %s or %s", pki.TypeIntermediateCA, pki.TypeEndEntity))
		return
	}

	p := principalFromContext(r.Context())
	ok, err := a.gate.IsAuthorized(r.Context(), p, req.IssuerSerialNumber)
	if err != nil {
		mapError(w, err)
		return
	}
	if !ok {
		a.audit.logFailure(AuditAuthorizationDeny, r, "no active assignment for issuing CA",
			slog.String("user_id", p.ID), slog.String("issuer_serial", req.IssuerSerialNumber))
		writeError(w, http.StatusForbidden, "not authorized for the issuing CA")
		return
	}

	cert, err := a.store.SignCertificate(r.Context(), pki.SignRequest{
		OwnerID: p.ID,
		Subject: pki.Subject{
			CommonName:   req.CommonName,
			Organization: req.Organization,
			Country:      req.Country,
		},
		Type:                    certType,
		ValidityDays:            req.ValidityDays,
		ParentSerial:            req.IssuerSerialNumber,
		SubjectAlternativeNames: req.SubjectAlternativeNames,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditCertIssued, r, p.ID,
		slog.String("serial", cert.SerialNumber),
		slog.String("issuer_serial", cert.IssuerSerialNumber),
		slog.String("type", string(cert.Type)))
	writeJSON(w, http.StatusCreated, toCertificateResponse(cert))
}

// ListCertificates handles GET /certificates.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := a.store.ListAll(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponses(certs))
}

// ListCACertificates handles GET /certificates/ca-certificates.
func (a *API) ListCACertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := a.store.ListCAs(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponses(certs))
}

// ListMyCertificates handles GET /certificates/my.
func (a *API) ListMyCertificates(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	certs, err := a.store.ListByOwner(r.Context(), p.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponses(certs))
}

// ExportCertificate handles GET /certificates/{serial}/export?format=pem|der.
func (a *API) ExportCertificate(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		mapError(w, err)
		return
	}

	cert, err := a.store.GetBySerial(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	data, err := export.Encode(cert, format)
	if err != nil {
		mapError(w, err)
		return
	}

	p := principalFromContext(r.Context())
	a.audit.logEvent(AuditCertExported, r, p.ID,
		slog.String("serial", serial), slog.String("format", string(format)))

	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(cert, format)))
	w.Write(data)
}

// ExportKeystore handles GET /certificates/{serial}/keystore?password=...
// It bundles the certificate, its stored private key and the issuer chain
// into a PKCS#12 container. Certificates issued from an uploaded CSR have
// no stored key and cannot be exported this way.
func (a *API) ExportKeystore(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	password := r.URL.Query().Get("password")
	if password == "" {
		mapError(w, export.ErrEmptyPassword)
		return
	}

	cert, err := a.store.GetBySerial(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}

	p := principalFromContext(r.Context())
	if p.Role != authz.RoleAdmin && cert.OwnerID != p.ID {
		writeError(w, http.StatusForbidden, "certificate belongs to another user")
		return
	}

	key, err := a.store.PrivateKey(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	chain, err := a.issuerChain(r, cert)
	if err != nil {
		mapError(w, err)
		return
	}

	data, err := export.PKCS12(cert, chain, key, password)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditKeystoreExported, r, p.ID, slog.String("serial", serial))

	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cert.Subject.CommonName+".p12"))
	w.Write(data)
}

// issuerChain walks issuer links without validating them, so a keystore can
// still be assembled for a certificate whose chain has since gone stale.
func (a *API) issuerChain(r *http.Request, cert *pki.Certificate) ([]*pki.Certificate, error) {
	maxHops := a.store.Policy().MaxIntermediateDepth + 2
	chain := []*pki.Certificate{cert}
	current := cert
	for !current.SelfSigned() && len(chain) < maxHops {
		issuer, err := a.store.GetBySerial(r.Context(), current.IssuerSerialNumber)
		if err != nil {
			return nil, err
		}
		chain = append(chain, issuer)
		current = issuer
	}
	return chain, nil
}

// ValidateCertificate handles GET /certificates/{serial}/validate. Chain
// failures are a 200 with valid=false, not an error status: the lookup
// succeeded and the verdict is the payload.
func (a *API) ValidateCertificate(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	p := principalFromContext(r.Context())
	a.audit.logEvent(AuditChainValidated, r, p.ID, slog.String("serial", serial))

	chain, err := a.store.ValidateChain(r.Context(), serial)
	if err != nil {
		if pki.ChainFailure(err) != nil {
			writeJSON(w, http.StatusOK, ValidateResponse{
				SerialNumber: serial,
				Valid:        false,
				Reason:       err.Error(),
			})
			return
		}
		mapError(w, err)
		return
	}

	serials := make([]string, 0, len(chain))
	for _, c := range chain {
		serials = append(serials, c.SerialNumber)
	}
	writeJSON(w, http.StatusOK, ValidateResponse{
		SerialNumber: serial,
		Valid:        true,
		Chain:        serials,
	})
}

// RevokeCertificate handles POST /certificates/{serial}/revoke. Revocation
// is idempotent and never cascades; descendants are caught by validation.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if err := a.store.Revoke(r.Context(), serial); err != nil {
		mapError(w, err)
		return
	}

	p := principalFromContext(r.Context())
	a.audit.logEvent(AuditCertRevoked, r, p.ID, slog.String("serial", serial))

	cert, err := a.store.GetBySerial(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponse(cert))
}
