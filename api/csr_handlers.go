package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/certmill/certmill/csr"
	"github.com/certmill/certmill/pki"
)

// Uploaded CSR files are small PEM documents; anything bigger is abuse.
const maxCSRUploadBytes = 64 * 1024

// SubmitCSR handles POST /csr: the server generates the keypair and the
// PKCS#10 request on the requester's behalf.
func (a *API) SubmitCSR(w http.ResponseWriter, r *http.Request) {
	var req SubmitCSRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p := principalFromContext(r.Context())
	record, err := a.processor.Submit(r.Context(), p.ID, pki.Subject{
		CommonName:   req.CommonName,
		Organization: req.Organization,
		Country:      req.Country,
	}, req.ValidityDays, req.SubjectAlternativeNames)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditCSRSubmitted, r, p.ID, slog.String("csr_id", record.ID))
	writeJSON(w, http.StatusCreated, toCSRResponse(record))
}

// UploadCSR handles POST /csr/upload: a multipart form with a PEM-encoded
// PKCS#10 file under "file" and an optional "validityDays" field.
func (a *API) UploadCSR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxCSRUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing CSR file")
		return
	}
	defer file.Close()

	pemBytes, err := io.ReadAll(io.LimitReader(file, maxCSRUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable CSR file")
		return
	}

	validityDays := 0
	if v := r.FormValue("validityDays"); v != "" {
		validityDays, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validityDays must be an integer")
			return
		}
	}

	p := principalFromContext(r.Context())
	record, err := a.processor.SubmitUpload(r.Context(), p.ID, string(pemBytes), validityDays)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditCSRSubmitted, r, p.ID,
		slog.String("csr_id", record.ID), slog.Bool("uploaded", true))
	writeJSON(w, http.StatusCreated, toCSRResponse(record))
}

// ListMyCSRs handles GET /csr/my.
func (a *API) ListMyCSRs(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	items, err := a.processor.ListByRequester(r.Context(), p.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCSRResponses(items))
}

// ListCSRs handles GET /csr.
func (a *API) ListCSRs(w http.ResponseWriter, r *http.Request) {
	items, err := a.processor.ListAll(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCSRResponses(items))
}

// ReviewCSR handles POST /csr/{id}/review. Approval requires the reviewer
// to be authorized for the selected CA; either outcome is terminal.
func (a *API) ReviewCSR(w http.ResponseWriter, r *http.Request) {
	var req ReviewCSRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p := principalFromContext(r.Context())
	record, err := a.processor.Review(r.Context(), chi.URLParam(r, "id"), p, csr.Decision{
		Approved:               req.Approved,
		RejectionReason:        req.RejectionReason,
		SelectedCASerialNumber: req.SelectedCASerialNumber,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	event := AuditCSRRejected
	attrs := []slog.Attr{slog.String("csr_id", record.ID)}
	if record.Status == csr.StatusApproved {
		event = AuditCSRApproved
		attrs = append(attrs, slog.String("issued_serial", record.IssuedCertificateSerialNumber))
	}
	a.audit.logEvent(event, r, p.ID, attrs...)
	writeJSON(w, http.StatusOK, toCSRResponse(record))
}
