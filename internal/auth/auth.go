// Package auth is the bearer-token identity stub. When a token hash is
// configured, requests must carry the matching bearer token; the caller
// identity it attaches is used for authorization only, never by the
// session or execution logic.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey struct{}

// Identity describes the authenticated caller.
type Identity struct {
	// Subject is a stable identifier derived from the presented token.
	Subject string
}

// FromContext returns the caller identity, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok
}

// Middleware validates bearer tokens against a bcrypt hash. An empty
// hash disables authentication entirely.
type Middleware struct {
	tokenBcrypt string
}

// NewMiddleware creates a Middleware. tokenBcrypt is the bcrypt hash of
// the single accepted token, or empty to allow all requests.
func NewMiddleware(tokenBcrypt string) *Middleware {
	return &Middleware{tokenBcrypt: tokenBcrypt}
}

// Enabled reports whether a token is required.
func (m *Middleware) Enabled() bool {
	return m.tokenBcrypt != ""
}

// Wrap enforces the token on every request to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(m.tokenBcrypt), []byte(token)); err != nil {
			unauthorized(w, "invalid token")
			return
		}

		id := &Identity{Subject: subjectFor(token)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// subjectFor derives an identifier from the token without keeping the
// token itself around.
func subjectFor(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
