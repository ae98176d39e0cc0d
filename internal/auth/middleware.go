package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Middleware enforces bearer-token authentication on protected paths.
type Middleware struct {
	provider    *Provider
	enabled     bool
	publicPaths map[string]bool
}

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// Enabled controls whether auth is enforced.
	Enabled bool

	// PublicPaths skip authentication (health probes are always public).
	PublicPaths []string
}

// NewMiddleware creates an auth middleware.
func NewMiddleware(provider *Provider, cfg *MiddlewareConfig) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}

	publicPaths := map[string]bool{
		"/health":  true,
		"/healthz": true,
		"/ready":   true,
		"/metrics": true,
	}
	for _, p := range cfg.PublicPaths {
		publicPaths[p] = true
	}

	return &Middleware{
		provider:    provider,
		enabled:     cfg.Enabled,
		publicPaths: publicPaths,
	}
}

// Handler returns the auth middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.publicPaths[r.URL.Path] || !m.enabled || m.provider == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.unauthorized(w, "missing authorization header")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			m.unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.provider.VerifyToken(r.Context(), token)
		if err != nil {
			// Opaque access tokens are not JWTs; resolve via userinfo.
			claims, err = m.provider.VerifyAccessToken(r.Context(), token)
			if err != nil {
				m.unauthorized(w, "invalid token")
				return
			}
		}
		if claims.IsExpired() {
			m.unauthorized(w, "token expired")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts verified claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="conductor"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
