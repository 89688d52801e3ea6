// Package auth guards the operator endpoints with a bearer admin key.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrDisabled     = errors.New("admin API disabled")
)

// AdminKey validates operator tokens against a plaintext key or a bcrypt
// hash of it. The zero value rejects everything.
type AdminKey struct {
	plain string
	hash  []byte
}

// NewAdminKey creates a validator. hash takes precedence when both are set.
func NewAdminKey(plain, hash string) (*AdminKey, error) {
	k := &AdminKey{plain: plain}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid admin key hash: %w", err)
		}
		k.hash = []byte(hash)
		k.plain = ""
	}
	return k, nil
}

// HashKey returns the bcrypt hash of an admin key for use in configuration
func HashKey(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// Enabled reports whether any key is configured
func (k *AdminKey) Enabled() bool {
	return k != nil && (k.plain != "" || len(k.hash) > 0)
}

// Validate checks a presented token
func (k *AdminKey) Validate(token string) error {
	if !k.Enabled() {
		return ErrDisabled
	}
	if token == "" {
		return ErrMissingToken
	}
	if len(k.hash) > 0 {
		if bcrypt.CompareHashAndPassword(k.hash, []byte(token)) != nil {
			return ErrInvalidToken
		}
		return nil
	}
	if !SecureCompare(token, k.plain) {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware rejects requests without a valid admin token. A disabled key
// answers 403, a bad or missing token 401.
func (k *AdminKey) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch err := k.Validate(BearerToken(r)); {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, ErrDisabled):
			writeError(w, http.StatusForbidden, "Admin API disabled")
		default:
			w.Header().Set("WWW-Authenticate", `Bearer realm="mer-admin"`)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
		}
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
