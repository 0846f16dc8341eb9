package auth

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
)

type ctxKey struct{}

// ClaimsFromContext returns the claims RequireRole attached, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(ctxKey{}).(*Claims)
	return c
}

// RequireRole rejects requests without a valid bearer token carrying one of
// roles. An empty secret rejects everything.
func RequireRole(secret string, logger *slog.Logger, roles ...string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r.Header.Get("Authorization"))
			if !ok || secret == "" {
				httpx.WriteError(w, r, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			claims, err := Verify(token, secret, time.Now())
			if err != nil {
				httpx.WriteError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			if !slices.Contains(roles, claims.Role) {
				logger.Warn("admin access denied", "sub", claims.Sub, "role", claims.Role, "path", r.URL.Path)
				httpx.WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}

func bearer(h string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}
