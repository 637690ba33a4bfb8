package handler

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/auth"
	"github.com/dukerupert/taskhub/internal/middleware"
	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/sanitize"
	"github.com/dukerupert/taskhub/internal/store"
	"github.com/dukerupert/taskhub/internal/token"
)

const (
	minUsernameLen = 3
	minPasswordLen = 6
)

// CookieOptions controls the attributes of the token cookie.
type CookieOptions struct {
	Secure bool
	Domain string
}

type AuthHandler struct {
	userStore *store.UserStore
	tokens    *token.Manager
	cache     *middleware.TokenCache
	cookie    CookieOptions
	logger    *zap.Logger
}

func NewAuthHandler(us *store.UserStore, tokens *token.Manager, cache *middleware.TokenCache, cookie CookieOptions, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userStore: us,
		tokens:    tokens,
		cache:     cache,
		cookie:    cookie,
		logger:    logger,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// Register creates a plain user account and signs it in. The role is
// always user; admins promote accounts through the admin API.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	req.Username = sanitize.Text(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	switch {
	case len(req.Username) < minUsernameLen:
		writeError(w, http.StatusBadRequest, "username must be at least 3 characters")
		return
	case !validEmail(req.Email):
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	case len(req.Password) < minPasswordLen:
		writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	user, err := h.userStore.Create(r.Context(), req.Username, req.Email, req.Password, model.RoleUser)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "user with this email or username already exists")
		return
	}
	if err != nil {
		h.logger.Error("register user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	h.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	h.signIn(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.userStore.GetByEmail(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("login lookup", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to log in")
		return
	}
	if user == nil || !store.CheckPassword(user, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.signIn(w, http.StatusOK, user)
}

func (h *AuthHandler) signIn(w http.ResponseWriter, status int, user *model.User) {
	credential, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Error("issue token", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookieName,
		Value:    credential,
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   int(h.tokens.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, status, authResponse{Token: credential, User: user})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.userStore.GetByID(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("load current user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// Logout clears the cookie and drops the credential from the verification cache.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if credential := middleware.CredentialFromRequest(r); credential != "" {
		h.cache.Forget(credential)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeMessage(w, "logged out")
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}
