package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	TenantID string
	KeyID    string
	Role     string
}

type contextKey string

const identityKey = contextKey("identity")

// IdentityFromContext returns the caller identity set by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity attaches an identity to the context. Used by the middleware
// and by the websocket token path.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// APIKeyMiddleware authenticates requests via the X-API-Key header (or a
// Bearer token carrying the same value).
func APIKeyMiddleware(keys services.APIKeyServiceProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					token = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}
			if token == "" {
				apierror.Write(w, http.StatusUnauthorized, apierror.CodeAuthenticationFailed, "Missing API key")
				return
			}

			key, err := keys.VerifyKey(token)
			if err != nil {
				apierror.Write(w, http.StatusUnauthorized, apierror.CodeAuthenticationFailed, "Invalid API key")
				return
			}

			ctx := WithIdentity(r.Context(), Identity{
				TenantID: key.TenantID,
				KeyID:    key.ID,
				Role:     key.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose key role is below the required one.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				apierror.Write(w, http.StatusUnauthorized, apierror.CodeAuthenticationFailed, "Missing API key")
				return
			}
			if !models.RoleAllows(id.Role, role) {
				apierror.Write(w, http.StatusForbidden, apierror.CodeInsufficientPermissions, "API key role does not permit this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
