package api_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/api"
	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/csr"
	"github.com/certmill/certmill/pki"
	"github.com/certmill/certmill/storage/memory"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo := memory.NewRepository()
	keys, err := pki.NewSoftwareKeyStore(repo, "test-keystore-passphrase")
	require.NoError(t, err)
	store := pki.NewStore(repo, keys, pki.DefaultPolicy())
	gate := authz.NewGate(repo, store)
	processor := csr.NewProcessor(repo, store, gate, keys)

	a := api.New(repo, store, processor, gate, []byte("test-jwt-secret"))
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// register creates an account and returns its token response. The first
// call against a fresh server yields the bootstrap admin.
func register(t *testing.T, baseURL, email string) api.TokenResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/auth/register", "", map[string]string{
		"email":    email,
		"password": "hunter22hunter22",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var token api.TokenResponse
	decodeInto(t, resp, &token)
	require.NotEmpty(t, token.Token)
	return token
}

func createRootHTTP(t *testing.T, baseURL, token string) api.CertificateResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/certificates/root", token, map[string]any{
		"commonName":   "HTTP Test Root",
		"validityDays": 365,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cert api.CertificateResponse
	decodeInto(t, resp, &cert)
	return cert
}

func TestRegisterAndLogin(t *testing.T) {
	srv := setupServer(t)

	admin := register(t, srv.URL, "admin@example.com")
	assert.Equal(t, "ADMIN", admin.Role)

	user := register(t, srv.URL, "user@example.com")
	assert.Equal(t, "USER", user.Role)

	// Duplicate email.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/register", "", map[string]string{
		"email": "user@example.com", "password": "hunter22hunter22",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Wrong password.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/login", "", map[string]string{
		"email": "user@example.com", "password": "wrong-password",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct login.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/login", "", map[string]string{
		"email": "user@example.com", "password": "hunter22hunter22",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var token api.TokenResponse
	decodeInto(t, resp, &token)
	assert.Equal(t, user.UserID, token.UserID)
}

func TestAuthRequired(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/my", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/my", "not-a-jwt", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoleGating(t *testing.T) {
	srv := setupServer(t)
	register(t, srv.URL, "admin@example.com")
	user := register(t, srv.URL, "user@example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/root", user.Token, map[string]any{
		"commonName": "Sneaky Root", "validityDays": 10,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/csr", user.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/ca-assignments", user.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCertificateLifecycle(t *testing.T) {
	srv := setupServer(t)
	admin := register(t, srv.URL, "admin@example.com")

	root := createRootHTTP(t, srv.URL, admin.Token)
	assert.Equal(t, "ROOT_CA", root.Type)
	assert.True(t, root.IsCA)

	// Bad root request.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/root", admin.Token, map[string]any{
		"commonName": "", "validityDays": 10,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Sign an end entity; the admin bypass covers authorization.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/sign", admin.Token, map[string]any{
		"commonName":              "web.example.com",
		"organization":            "Example",
		"country":                 "DE",
		"type":                    "END_ENTITY",
		"validityDays":            30,
		"issuerSerialNumber":      root.SerialNumber,
		"subjectAlternativeNames": []string{"DNS:web.example.com"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var leaf api.CertificateResponse
	decodeInto(t, resp, &leaf)
	assert.Equal(t, root.SerialNumber, leaf.IssuerSerialNumber)

	// Listings.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates", admin.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []api.CertificateResponse
	decodeInto(t, resp, &all)
	assert.Len(t, all, 2)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/ca-certificates", admin.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cas []api.CertificateResponse
	decodeInto(t, resp, &cas)
	require.Len(t, cas, 1)
	assert.Equal(t, root.SerialNumber, cas[0].SerialNumber)

	// PEM export round-trips to a parseable certificate.
	resp = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/certificates/%s/export?format=pem", srv.URL, leaf.SerialNumber), admin.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
	pemBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	_, err = x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	resp = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/certificates/%s/export?format=jks", srv.URL, leaf.SerialNumber), admin.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Keystore download.
	resp = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/certificates/%s/keystore?password=changeit", srv.URL, leaf.SerialNumber), admin.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pkcs12", resp.Header.Get("Content-Type"))
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/certificates/%s/keystore", srv.URL, leaf.SerialNumber), admin.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Validation verdicts.
	resp = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/certificates/%s/validate", srv.URL, leaf.SerialNumber), admin.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verdict api.ValidateResponse
	decodeInto(t, resp, &verdict)
	assert.True(t, verdict.Valid)
	assert.Equal(t, []string{leaf.SerialNumber, root.SerialNumber}, verdict.Chain)

	// Revoking the root flips the leaf's verdict on the next walk.
	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/certificates/%s/revoke", srv.URL, root.SerialNumber), admin.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var revoked api.CertificateResponse
	decodeInto(t, resp, &revoked)
	assert.True(t, revoked.Revoked)
	assert.NotNil(t, revoked.RevokedAt)

	resp = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/certificates/%s/validate", srv.URL, leaf.SerialNumber), admin.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &verdict)
	assert.False(t, verdict.Valid)
	assert.NotEmpty(t, verdict.Reason)

	// Unknown serial.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/feedface/validate", admin.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// Signing under an unusable parent CA is a caller problem, not a server
// fault: the chain-failure reason must come back as 422 so the caller can
// pick another issuer.
func TestSignUnderRevokedIssuer(t *testing.T) {
	srv := setupServer(t)
	admin := register(t, srv.URL, "admin@example.com")
	root := createRootHTTP(t, srv.URL, admin.Token)

	resp := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/certificates/%s/revoke", srv.URL, root.SerialNumber), admin.Token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/sign", admin.Token, map[string]any{
		"commonName":         "late.example.com",
		"organization":       "Example",
		"country":            "DE",
		"type":               "END_ENTITY",
		"validityDays":       30,
		"issuerSerialNumber": root.SerialNumber,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body api.ErrorResponse
	decodeInto(t, resp, &body)
	assert.Contains(t, body.Error, "revoked")
}

func TestKeystoreOwnership(t *testing.T) {
	srv := setupServer(t)
	admin := register(t, srv.URL, "admin@example.com")
	user := register(t, srv.URL, "user@example.com")

	root := createRootHTTP(t, srv.URL, admin.Token)

	// The root belongs to the admin; another user may not take its keys.
	resp := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/certificates/%s/keystore?password=changeit", srv.URL, root.SerialNumber), user.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCSRFlow(t *testing.T) {
	srv := setupServer(t)
	admin := register(t, srv.URL, "admin@example.com")
	user := register(t, srv.URL, "user@example.com")
	root := createRootHTTP(t, srv.URL, admin.Token)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/csr", user.Token, map[string]any{
		"commonName":   "app.example.com",
		"organization": "Example",
		"country":      "DE",
		"validityDays": 90,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var submitted api.CSRResponse
	decodeInto(t, resp, &submitted)
	assert.Equal(t, "PENDING", submitted.Status)
	assert.Equal(t, user.UserID, submitted.RequesterID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/csr/my", user.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mine []api.CSRResponse
	decodeInto(t, resp, &mine)
	require.Len(t, mine, 1)

	// Reject without a reason fails and stays PENDING.
	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/csr/%s/review", srv.URL, submitted.ID), admin.Token, map[string]any{
			"approved": false,
		})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Approve.
	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/csr/%s/review", srv.URL, submitted.ID), admin.Token, map[string]any{
			"approved":               true,
			"selectedCaSerialNumber": root.SerialNumber,
		})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var approved api.CSRResponse
	decodeInto(t, resp, &approved)
	assert.Equal(t, "APPROVED", approved.Status)
	assert.NotEmpty(t, approved.IssuedCertificateSerialNumber)

	// Review is terminal.
	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/csr/%s/review", srv.URL, submitted.ID), admin.Token, map[string]any{
			"approved": false, "rejectionReason": "changed my mind",
		})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The issued certificate is owned by the requester.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/my", user.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var owned []api.CertificateResponse
	decodeInto(t, resp, &owned)
	require.Len(t, owned, 1)
	assert.Equal(t, approved.IssuedCertificateSerialNumber, owned[0].SerialNumber)
}

func TestCSRUpload(t *testing.T) {
	srv := setupServer(t)
	register(t, srv.URL, "admin@example.com")
	user := register(t, srv.URL, "user@example.com")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   "upload.example.com",
			Organization: []string{"Example"},
			Country:      []string{"DE"},
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	require.NoError(t, err)
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "request.pem")
	require.NoError(t, err)
	_, err = part.Write(csrPEM)
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("validityDays", "60"))
	require.NoError(t, writer.Close())

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/csr/upload", &form)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+user.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var uploaded api.CSRResponse
	decodeInto(t, resp, &uploaded)
	assert.Equal(t, "upload.example.com", uploaded.CommonName)
	assert.Equal(t, 60, uploaded.ValidityDays)
	assert.Equal(t, "PENDING", uploaded.Status)
}

func TestAssignments(t *testing.T) {
	srv := setupServer(t)
	admin := register(t, srv.URL, "admin@example.com")
	user := register(t, srv.URL, "user@example.com")
	root := createRootHTTP(t, srv.URL, admin.Token)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/ca-assignments", admin.Token, map[string]string{
		"userId":              user.UserID,
		"caCertificateSerial": root.SerialNumber,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var assignment api.AssignmentResponse
	decodeInto(t, resp, &assignment)
	assert.True(t, assignment.Active)

	// Duplicate grant.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/ca-assignments", admin.Token, map[string]string{
		"userId":              user.UserID,
		"caCertificateSerial": root.SerialNumber,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/ca-assignments", admin.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []api.AssignmentResponse
	decodeInto(t, resp, &list)
	assert.Len(t, list, 1)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/ca-assignments/"+assignment.ID, admin.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/ca-assignments/missing", admin.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
