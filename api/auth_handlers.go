package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Register handles POST /auth/register. The first account registered on a
// fresh deployment becomes the bootstrap admin.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	acct, err := a.createAccount(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, expiresAt, err := a.mintToken(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token minting failed")
		return
	}

	a.audit.logEvent(AuditRegister, r, acct.ID, slog.String("role", string(acct.Role)))
	writeJSON(w, http.StatusCreated, TokenResponse{
		Token:     token,
		UserID:    acct.ID,
		Role:      string(acct.Role),
		ExpiresAt: expiresAt,
	})
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	acct, err := a.verifyAccount(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			a.audit.logFailure(AuditLoginFailure, r, "bad credentials")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	token, expiresAt, err := a.mintToken(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token minting failed")
		return
	}

	a.audit.logEvent(AuditLoginSuccess, r, acct.ID)
	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		UserID:    acct.ID,
		Role:      string(acct.Role),
		ExpiresAt: expiresAt,
	})
}
