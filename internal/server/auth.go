package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"swarmctl/internal/auth"
)

// KeyWarningHeader is set when the presented key is inside its grace period.
const KeyWarningHeader = "X-Api-Key-Warning"

type AuthConfig struct {
	Keys      auth.KeySet
	JWTSecret string
	Logger    *slog.Logger
	Now       func() time.Time
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c AuthConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// isPublicPath lists the routes reachable without a bearer credential. The
// alert webhook authenticates with its own HMAC signature.
func isPublicPath(basePath, p string) bool {
	switch p {
	case "/health", "/metrics", "/docs",
		path.Join(basePath, "openapi.json"),
		path.Join(basePath, "alerts/webhook"):
		return true
	}
	return false
}

func (c AuthConfig) authenticate(token string) (auth.Principal, error) {
	if auth.LooksLikeJWT(token) && c.JWTSecret != "" {
		return auth.ParseToken(c.JWTSecret, token)
	}
	return c.Keys.Authenticate(token, c.now())
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || isPublicPath(basePath, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := cfg.authenticate(token)
			if err != nil {
				code := "invalid_credentials"
				if errors.Is(err, auth.ErrExpiredKey) {
					code = "expired_credentials"
				}
				cfg.logger().Warn("rejected credentials", "path", req.URL.Path, "err", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, code, "invalid credentials", nil))
				return
			}
			if principal.ExpiresSoon {
				w.Header().Set(KeyWarningHeader, fmt.Sprintf("key %s v%d expires at %s",
					principal.ActorID, principal.KeyVersion, principal.ExpiresAt.UTC().Format(time.RFC3339)))
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
