// Package auth carries the verified caller identity through a context.Context.
// Credentials are verified upstream (API gateway or identity proxy); this package
// only transports the resulting identity and never inspects credentials itself.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// IdentityHeader is set by the upstream authenticator to the verified caller id.
const IdentityHeader = "X-Authenticated-User"

// identityKey is the private key type used for context.WithValue.
type identityKey struct{}

// WithIdentity returns a copy of ctx carrying the caller identity.
// An empty identity leaves ctx unchanged.
func WithIdentity(ctx context.Context, identity string) context.Context {
	if ctx == nil {
		log.Error().Msg("attempted to attach identity to a nil context, using background context")
		ctx = context.Background()
	}
	if identity == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the caller identity stored in ctx and whether one was present.
func IdentityFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	identity, ok := ctx.Value(identityKey{}).(string)
	return identity, ok && identity != ""
}

// Middleware copies the identity from IdentityHeader into the request context.
// Requests without the header pass through unauthenticated; handlers decide
// whether an identity is required.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := strings.TrimSpace(r.Header.Get(IdentityHeader))
		if identity == "" {
			log.Debug().Str("path", r.URL.Path).Msg("request without caller identity")
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
