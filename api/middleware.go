package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/certmill/certmill/authz"
)

type contextKey int

const principalKey contextKey = iota

const tokenTTL = 12 * time.Hour

// tokenClaims are the JWT claims minted at login. The subject is the
// account ID and the role rides along as a private claim.
type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// mintToken signs a bearer token for the principal.
func (a *API) mintToken(acct *account) (string, time.Time, error) {
	expiresAt := time.Now().Add(tokenTTL)
	claims := tokenClaims{
		Role: string(acct.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.ID,
			Issuer:    "certmill",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// AuthMiddleware authenticates a bearer token and stores the resulting
// principal on the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authorization header must be a bearer token")
			return
		}

		claims := &tokenClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return a.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("certmill"), jwt.WithExpirationRequired())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		p := authz.Principal{ID: claims.Subject, Role: authz.Role(claims.Role)}
		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route to the listed roles. ADMIN is not implicitly
// included; list it where it applies.
func (a *API) RequireRole(roles ...authz.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFromContext(r.Context())
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			a.audit.logFailure(AuditAuthorizationDeny, r, fmt.Sprintf("role %s not permitted", p.Role))
			writeError(w, http.StatusForbidden, "insufficient role")
		})
	}
}

func principalFromContext(ctx context.Context) authz.Principal {
	p, _ := ctx.Value(principalKey).(authz.Principal)
	return p
}
