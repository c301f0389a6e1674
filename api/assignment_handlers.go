package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CreateAssignment handles POST /ca-assignments: grants a user issuance
// rights under a specific CA certificate.
func (a *API) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.CACertificateSerial == "" {
		writeError(w, http.StatusBadRequest, "userId and caCertificateSerial are required")
		return
	}

	p := principalFromContext(r.Context())
	assignment, err := a.gate.Assign(r.Context(), p.ID, req.UserID, req.CACertificateSerial)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditAssignmentCreated, r, p.ID,
		slog.String("assignment_id", assignment.ID),
		slog.String("assignee", assignment.UserID),
		slog.String("ca_serial", assignment.CACertificateSerial))
	writeJSON(w, http.StatusCreated, toAssignmentResponse(assignment))
}

// ListAssignments handles GET /ca-assignments.
func (a *API) ListAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := a.gate.List(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]AssignmentResponse, 0, len(assignments))
	for _, assignment := range assignments {
		out = append(out, toAssignmentResponse(assignment))
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteAssignment handles DELETE /ca-assignments/{id}. The assignment is
// deactivated, not erased; subsequent issuance checks see it immediately.
func (a *API) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.gate.Revoke(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}

	p := principalFromContext(r.Context())
	a.audit.logEvent(AuditAssignmentRevoked, r, p.ID, slog.String("assignment_id", id))
	w.WriteHeader(http.StatusOK)
}
