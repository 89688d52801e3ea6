// Package middleware holds HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/merlab/mer-backend/pkg/models"
	"github.com/merlab/mer-backend/pkg/ratelimit"
)

type contextKey string

const submitterContextKey contextKey = "submitter"

// UserIDHeader carries the authenticated user id, set by the auth gateway
const UserIDHeader = "X-User-ID"

// Identifier resolves callers, honoring forwarding headers only from the
// configured proxies
type Identifier struct {
	proxies *ratelimit.Proxies
}

// NewIdentifier returns an Identifier trusting p. A nil p trusts nobody.
func NewIdentifier(p *ratelimit.Proxies) *Identifier {
	return &Identifier{proxies: p}
}

// Resolve identifies the caller: the gateway's user id or, failing that,
// the client IP
func (i *Identifier) Resolve(r *http.Request) models.Submitter {
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return models.Submitter{UserID: id}
	}
	return models.Submitter{IP: i.proxies.ClientIP(r)}
}

// Middleware resolves the submitter once and stores it in the request context
func (i *Identifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithSubmitter(r.Context(), i.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var direct = NewIdentifier(nil)

// Resolve identifies the caller from its direct connection
func Resolve(r *http.Request) models.Submitter {
	return direct.Resolve(r)
}

// Identify is Middleware for an Identifier that trusts no proxies
func Identify(next http.Handler) http.Handler {
	return direct.Middleware(next)
}

// WithSubmitter returns a context carrying s
func WithSubmitter(ctx context.Context, s models.Submitter) context.Context {
	return context.WithValue(ctx, submitterContextKey, s)
}

// SubmitterFrom returns the submitter stored by Identify, resolving it from
// the request when the middleware did not run
func SubmitterFrom(r *http.Request) models.Submitter {
	if s, ok := r.Context().Value(submitterContextKey).(models.Submitter); ok {
		return s
	}
	return Resolve(r)
}
