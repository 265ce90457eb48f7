package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/overseer/internal/config"
	"github.com/basket/overseer/internal/shared"
)

// DefaultOwner is used when auth is disabled and no X-Owner-ID is sent.
const DefaultOwner = "default"

// AuthMiddleware resolves the request owner. With auth enabled the owner
// comes from the API key entry; otherwise from X-Owner-ID.
type AuthMiddleware struct {
	keys    []config.APIKeyEntry
	enabled bool
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		keys:    append([]config.APIKeyEntry(nil), cfg.Keys...),
		enabled: cfg.Enabled,
	}
}

// Wrap wraps an http.Handler with owner resolution.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if !am.enabled {
			owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
			if owner == "" {
				owner = DefaultOwner
			}
			next.ServeHTTP(w, r.WithContext(shared.WithOwnerID(r.Context(), owner)))
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		entry, ok := am.lookupKey(key)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.WithOwnerID(r.Context(), entry.OwnerID)))
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// EventSource and browser WebSocket clients cannot set headers.
	return r.URL.Query().Get("api_key")
}

// lookupKey compares every entry in constant time.
func (am *AuthMiddleware) lookupKey(candidate string) (config.APIKeyEntry, bool) {
	var (
		found config.APIKeyEntry
		ok    bool
	)
	for _, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(entry.Key)) == 1 {
			found, ok = entry, true
		}
	}
	return found, ok
}
