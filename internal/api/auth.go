package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
)

type ctxKey int

const userKey ctxKey = iota

// UserID returns the authenticated user stored by RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// IssueToken signs an HS256 token whose subject is userID.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", eris.New("api: empty jwt secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// parseToken validates tokenStr and returns its subject. Only HS256 is
// accepted.
func parseToken(secret []byte, tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", eris.New("token has no subject")
	}
	return claims.Subject, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireUser authenticates the bearer token and stores the user id.
func RequireUser(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearer(r)
			if tok == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing bearer token"})
				return
			}
			sub, err := parseToken(secret, tok)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "invalid token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, sub)))
		})
	}
}

// RequireAdmin checks the bearer token against the static admin token. An
// empty admin token disables the protected routes.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := bearer(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "admin token required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
