package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/csr"
	"github.com/certmill/certmill/export"
	"github.com/certmill/certmill/pki"
	"github.com/certmill/certmill/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pki.ErrValidation),
		errors.Is(err, export.ErrUnsupportedFormat),
		errors.Is(err, export.ErrEmptyPassword),
		errors.Is(err, csr.ErrInvalidCSR):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pki.ErrCertNotFound),
		errors.Is(err, csr.ErrCSRNotFound),
		errors.Is(err, authz.ErrAssignmentNotFound),
		errors.Is(err, pki.ErrNoPrivateKey),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, csr.ErrAlreadyReviewed),
		errors.Is(err, pki.ErrDuplicateSerial),
		errors.Is(err, authz.ErrDuplicateAssignment),
		errors.Is(err, storage.ErrCASFailed),
		errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, csr.ErrIssuerInvalid),
		errors.Is(err, pki.ErrNotCA),
		errors.Is(err, authz.ErrNotCA):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	// Chain-failure reasons escaping the direct signing path: the parent
	// CA is expired, revoked, or otherwise unusable, which the caller can
	// act on by picking another issuer.
	case pki.ChainFailure(err) != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
