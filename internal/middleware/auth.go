package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/auth"
	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/permission"
	"github.com/dukerupert/taskhub/internal/token"
)

// TokenCookieName is the cookie carrying the credential.
const TokenCookieName = "token"

const maxCacheTTL = 5 * time.Minute

// CredentialParser verifies a credential.
type CredentialParser interface {
	Parse(credential string) (token.Claims, error)
}

// UserLookup loads the user behind a verified credential.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// TokenCache remembers verified credentials so repeat requests skip the
// signature check. Entries never outlive the credential.
type TokenCache struct {
	parser CredentialParser
	c      *cache.Cache
}

func NewTokenCache(parser CredentialParser) *TokenCache {
	return &TokenCache{
		parser: parser,
		c:      cache.New(maxCacheTTL, time.Minute),
	}
}

// Verify returns the user id for credential.
func (tc *TokenCache) Verify(credential string) (string, error) {
	if v, ok := tc.c.Get(credential); ok {
		return v.(string), nil
	}
	claims, err := tc.parser.Parse(credential)
	if err != nil {
		return "", err
	}
	ttl := time.Until(claims.ExpiresAt)
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	if ttl > 0 {
		tc.c.Set(credential, claims.UserID, ttl)
	}
	return claims.UserID, nil
}

// Forget drops credential, e.g. on logout.
func (tc *TokenCache) Forget(credential string) {
	tc.c.Delete(credential)
}

// Len returns the number of cached credentials.
func (tc *TokenCache) Len() int {
	return tc.c.ItemCount()
}

// CredentialFromRequest reads the token cookie, falling back to a Bearer header.
func CredentialFromRequest(r *http.Request) string {
	if c, err := r.Cookie(TokenCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireAuth verifies the request credential, loads the user and
// populates AuthContext.
func RequireAuth(tokens *TokenCache, users UserLookup, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := CredentialFromRequest(r)
			if credential == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			userID, err := tokens.Verify(credential)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			user, err := users.GetByID(r.Context(), userID)
			if err != nil {
				logger.Error("load authenticated user", zap.String("user_id", userID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to load user")
				return
			}
			if user == nil {
				writeError(w, http.StatusUnauthorized, "user not found")
				return
			}

			ctx := auth.WithAuth(r.Context(), auth.FromUser(user))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin checks that the authenticated user has the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission checks the caller's capability flags. Admins pass.
func RequirePermission(c permission.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Can(r.Context(), c) {
				writeError(w, http.StatusForbidden, "permission denied: "+string(c))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
