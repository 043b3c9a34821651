// Package identity derives a stable key for the caller of a relay request.
//
// Authenticated callers are keyed by a digest of their bearer token so the
// raw credential never reaches logs or limiter maps. Everyone else is keyed
// by remote IP.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

const (
	tokenPrefix = "token:"
	ipPrefix    = "ip:"
)

type contextKey int

const clientKeyKey contextKey = iota

// ClientKeyFromContext extracts the caller key set by Middleware.
func ClientKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientKeyKey).(string); ok {
		return v
	}
	return ""
}

// WithClientKey returns a copy of ctx carrying key.
func WithClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, clientKeyKey, key)
}

// ClientKey computes the caller key for r.
func ClientKey(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		sum := sha256.Sum256([]byte(tok))
		return tokenPrefix + hex.EncodeToString(sum[:8])
	}
	return ipPrefix + IPFromRequest(r)
}

// IsAuthenticated reports whether key was derived from a bearer token.
func IsAuthenticated(key string) bool {
	return strings.HasPrefix(key, tokenPrefix)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Middleware stores the caller key in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithClientKey(r.Context(), ClientKey(r))))
	})
}

// IPFromRequest returns a normalized remote IP. chi's RealIP middleware
// should run first when the relay sits behind a proxy.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
