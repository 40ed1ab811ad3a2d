package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/caravel-dev/caravel/internal/auth"
)

// Auth authenticates requests with a Bearer JWT or an X-API-Key header.
// apiKeyRoles maps hex SHA-256 key digests to the role granted to the key.
func Auth(jwtSecret string, apiKeyRoles map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try Bearer token first.
			if tok := extractBearer(r); tok != "" {
				ctx, ok := authenticateJWT(r.Context(), tok, jwtSecret)
				if ok {
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			// Try API key.
			if key := r.Header.Get("X-API-Key"); key != "" {
				ctx, ok := authenticateAPIKey(r.Context(), key, apiKeyRoles)
				if ok {
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			http.Error(w, `{"title":"Unauthorized","status":401,"detail":"missing or invalid credentials"}`, http.StatusUnauthorized)
		})
	}
}

// NoAuth injects a development identity with full privileges. Used when
// auth is disabled.
func NoAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ContextKeySubject, "dev")
			ctx = context.WithValue(ctx, ContextKeyRole, auth.RoleAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return header[7:]
	}
	return ""
}

func authenticateJWT(ctx context.Context, tokenStr, secret string) (context.Context, bool) {
	claims, err := auth.ValidateToken(secret, tokenStr)
	if err != nil {
		return ctx, false
	}

	if claims.Subject == "" || claims.Role == "" {
		return ctx, false
	}

	ctx = context.WithValue(ctx, ContextKeySubject, claims.Subject)
	ctx = context.WithValue(ctx, ContextKeyRole, claims.Role)
	return ctx, true
}

func authenticateAPIKey(ctx context.Context, rawKey string, apiKeyRoles map[string]string) (context.Context, bool) {
	role, err := auth.ValidateAPIKey(apiKeyRoles, rawKey)
	if err != nil {
		return ctx, false
	}

	// API keys are not tied to a user; the key digest prefix identifies the caller.
	subject := "apikey:" + auth.HashAPIKey(rawKey)[:8]

	ctx = context.WithValue(ctx, ContextKeySubject, subject)
	ctx = context.WithValue(ctx, ContextKeyRole, role)
	return ctx, true
}
