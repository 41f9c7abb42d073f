// Package middleware holds the HTTP middleware chain for the
// experiment engine's admin surface. /v1/evaluate never passes
// through the RBAC checks here — only the admin routes do.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/auth"
	"github.com/jizhuozhi/expirement-system/pkg/rbac"
)

// AuthMiddleware authenticates admin-surface requests and enforces
// RBAC on the two object types the engine exposes: layer and
// field_types.
type AuthMiddleware struct {
	tokenManager *auth.TokenManager
	rbac         *rbac.RBAC
	logger       zerolog.Logger
}

// NewAuthMiddleware creates an AuthMiddleware.
func NewAuthMiddleware(tokenManager *auth.TokenManager, rbacMgr *rbac.RBAC, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{tokenManager: tokenManager, rbac: rbacMgr, logger: logger}
}

type claimsContextKey struct{}

// Authenticate validates the bearer token and attaches its claims to
// the request context. It does not itself authorize anything.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			m.sendError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid authorization header")
			return
		}

		claims, err := m.tokenManager.ValidateToken(token)
		if err != nil {
			m.logger.Debug().Err(err).Msg("token validation failed")
			m.sendError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireLayerAccess authorizes action against the layer named by the
// chi URL param "layerID" (the literal collection wildcard "*" if the
// route has none, e.g. list or create, so the rbac.Object always
// formats as "layer:<something>" the way every policy row expects).
func (m *AuthMiddleware) RequireLayerAccess(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r)
			if claims == nil {
				m.sendError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			layerID := chi.URLParam(r, "layerID")
			if layerID == "" {
				layerID = "*"
			}
			allowed, err := m.rbac.CanAccessLayer(string(claims.TokenType), claims.Subject, layerID, action)
			if err != nil {
				m.logger.Error().Err(err).Msg("rbac enforcement error")
				m.sendError(w, http.StatusInternalServerError, "internal_error", "authorization check failed")
				return
			}
			if !allowed {
				m.sendError(w, http.StatusForbidden, "forbidden", "insufficient permissions for this layer")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireFieldTypesAccess authorizes action against the singleton
// field_types object.
func (m *AuthMiddleware) RequireFieldTypesAccess(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r)
			if claims == nil {
				m.sendError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			allowed, err := m.rbac.CanAccessFieldTypes(string(claims.TokenType), claims.Subject, action)
			if err != nil {
				m.logger.Error().Err(err).Msg("rbac enforcement error")
				m.sendError(w, http.StatusInternalServerError, "internal_error", "authorization check failed")
				return
			}
			if !allowed {
				m.sendError(w, http.StatusForbidden, "forbidden", "insufficient permissions for field_types")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims extracts the authenticated claims from the request
// context, or nil if Authenticate never ran.
func GetClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsContextKey{}).(*auth.Claims)
	return claims
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

func (m *AuthMiddleware) sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message}); err != nil {
		m.logger.Error().Err(err).Msg("failed to encode error response")
	}
}
