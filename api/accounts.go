package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/internal/util"
	"github.com/certmill/certmill/internal/uuid"
	"github.com/certmill/certmill/storage"
)

var (
	// ErrAccountExists is returned when registering an email that is
	// already taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrBadCredentials is returned for unknown emails and wrong
	// passwords alike, so login failures do not reveal which it was.
	ErrBadCredentials = errors.New("invalid email or password")
)

// account is the persisted principal record. The password is stored as an
// Argon2id hash alongside its salt and parameters; the plaintext never
// touches storage.
type account struct {
	ID           string               `json:"id"`
	Email        string               `json:"email"`
	Role         authz.Role           `json:"role"`
	PasswordHash string               `json:"passwordHash"`
	Salt         string               `json:"salt"`
	KDF          util.Argon2idParams  `json:"kdf"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// createAccount registers a new principal. The first account on a fresh
// deployment becomes ADMIN so the instance can be bootstrapped; everyone
// after that starts as USER.
func (a *API) createAccount(email, password string) (*account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email %q", email)
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	salt, err := util.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	params := util.DefaultArgon2idParams()
	hash, err := util.DeriveArgon2idKey(password, salt, params)
	if err != nil {
		return nil, err
	}

	acct := &account{
		ID:           uuid.New(),
		Email:        email,
		Role:         authz.RoleUser,
		PasswordHash: util.HexEncode(hash),
		Salt:         util.HexEncode(salt),
		KDF:          params,
		CreatedAt:    time.Now().UTC(),
	}

	existing, err := a.repo.List(storage.TypeAccount)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		acct.Role = authz.RoleAdmin
	}

	data, err := json.Marshal(acct)
	if err != nil {
		return nil, err
	}
	if err := a.repo.Create(storage.TypeAccount, email, &storage.Record{Version: 1, Data: data}); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	return acct, nil
}

// verifyAccount checks a login attempt against the stored hash.
func (a *API) verifyAccount(email, password string) (*account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	record, err := a.repo.Get(storage.TypeAccount, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	var acct account
	if err := json.Unmarshal(record.Data, &acct); err != nil {
		return nil, err
	}

	salt, err := util.HexDecode(acct.Salt)
	if err != nil {
		return nil, err
	}
	want, err := util.HexDecode(acct.PasswordHash)
	if err != nil {
		return nil, err
	}
	ok, err := util.CompareArgon2idKey(password, salt, acct.KDF, want)
	if err != nil || !ok {
		return nil, ErrBadCredentials
	}
	return &acct, nil
}
