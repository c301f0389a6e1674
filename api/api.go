// Package api exposes the certificate authority over REST. Routes are
// mounted under /api/v1 and authenticated with JWT bearer tokens; role
// checks happen per route, with per-CA issuance rights delegated to the
// authorization gate.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/csr"
	"github.com/certmill/certmill/pki"
	"github.com/certmill/certmill/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	repo      storage.Repository
	store     *pki.Store
	processor *csr.Processor
	gate      *authz.Gate
	jwtSecret []byte
	audit     *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// New creates a new API instance. jwtSecret signs and verifies bearer
// tokens and must be identical across replicas sharing a token audience.
func New(repo storage.Repository, store *pki.Store, processor *csr.Processor, gate *authz.Gate, jwtSecret []byte, opts ...Option) *API {
	a := &API{
		repo:      repo,
		store:     store,
		processor: processor,
		gate:      gate,
		jwtSecret: jwtSecret,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)

	r.Route("/certificates", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.With(a.RequireRole(authz.RoleAdmin)).Post("/root", a.CreateRoot)
		r.With(a.RequireRole(authz.RoleAdmin, authz.RoleCA)).Post("/sign", a.SignCertificate)
		r.With(a.RequireRole(authz.RoleAdmin)).Get("/", a.ListCertificates)
		r.Get("/ca-certificates", a.ListCACertificates)
		r.Get("/my", a.ListMyCertificates)
		r.Get("/{serial}/export", a.ExportCertificate)
		r.Get("/{serial}/keystore", a.ExportKeystore)
		r.Get("/{serial}/validate", a.ValidateCertificate)
		r.With(a.RequireRole(authz.RoleAdmin)).Post("/{serial}/revoke", a.RevokeCertificate)
	})

	r.Route("/csr", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Post("/", a.SubmitCSR)
		r.Post("/upload", a.UploadCSR)
		r.Get("/my", a.ListMyCSRs)
		r.With(a.RequireRole(authz.RoleAdmin, authz.RoleCA)).Get("/", a.ListCSRs)
		r.With(a.RequireRole(authz.RoleAdmin, authz.RoleCA)).Post("/{id}/review", a.ReviewCSR)
	})

	r.Route("/ca-assignments", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Use(a.RequireRole(authz.RoleAdmin))
		r.Post("/", a.CreateAssignment)
		r.Get("/", a.ListAssignments)
		r.Delete("/{id}", a.DeleteAssignment)
	})

	return r
}
