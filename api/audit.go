package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess      AuditEvent = "login_success"
	AuditLoginFailure      AuditEvent = "login_failure"
	AuditRegister          AuditEvent = "register"
	AuditRootCreated       AuditEvent = "root_created"
	AuditCertIssued        AuditEvent = "cert_issued"
	AuditCertRevoked       AuditEvent = "cert_revoked"
	AuditCertExported      AuditEvent = "cert_exported"
	AuditKeystoreExported  AuditEvent = "keystore_exported"
	AuditChainValidated    AuditEvent = "chain_validated"
	AuditCSRSubmitted      AuditEvent = "csr_submitted"
	AuditCSRApproved       AuditEvent = "csr_approved"
	AuditCSRRejected       AuditEvent = "csr_rejected"
	AuditAssignmentCreated AuditEvent = "assignment_created"
	AuditAssignmentRevoked AuditEvent = "assignment_revoked"
	AuditAuthorizationDeny AuditEvent = "authorization_denied"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Serial numbers and user IDs are
// safe for logs; key material and passwords never are.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logEvent is a convenience for events with a principal ID.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed authentication or authorization attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
