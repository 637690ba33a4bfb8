package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/auth"
	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/permission"
	"github.com/dukerupert/taskhub/internal/store"
)

// AdminHandler manages user accounts. Every route requires the admin role.
type AdminHandler struct {
	userStore *store.UserStore
	logger    *zap.Logger
}

func NewAdminHandler(us *store.UserStore, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{userStore: us, logger: logger}
}

type roleRequest struct {
	Role string `json:"role"`
}

type permissionsRequest struct {
	Permissions *permission.Patch `json:"permissions"`
}

type userResponse struct {
	Message string      `json:"message"`
	User    *model.User `json:"user"`
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.userStore.List(r.Context())
	if err != nil {
		h.logger.Error("list users", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateRole changes the role and resets the flags to the role's defaults.
func (h *AdminHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !model.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	updated, err := h.userStore.UpdateRole(r.Context(), user.ID, req.Role)
	if err != nil {
		h.logger.Error("update role", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update user role")
		return
	}

	h.logger.Info("user role changed",
		zap.String("user_id", user.ID), zap.String("role", req.Role), zap.String("by", auth.UserID(r.Context())))
	writeJSON(w, http.StatusOK, userResponse{Message: "user role updated", User: updated})
}

// UpdatePermissions merges the provided flags into the user's current ones.
func (h *AdminHandler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Permissions == nil {
		writeError(w, http.StatusBadRequest, "permissions are required")
		return
	}

	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	merged := permission.Merge(user.Permissions, *req.Permissions)
	updated, err := h.userStore.UpdatePermissions(r.Context(), user.ID, merged)
	if err != nil {
		h.logger.Error("update permissions", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update user permissions")
		return
	}
	writeJSON(w, http.StatusOK, userResponse{Message: "user permissions updated", User: updated})
}

func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	if user.ID == auth.UserID(r.Context()) {
		writeError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := h.userStore.Delete(r.Context(), user.ID); err != nil {
		if errors.Is(err, store.ErrOwnsTasks) {
			writeError(w, http.StatusConflict, "user still owns tasks")
			return
		}
		h.logger.Error("delete user", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	h.logger.Info("user deleted", zap.String("user_id", user.ID), zap.String("by", auth.UserID(r.Context())))
	writeMessage(w, "user deleted")
}

func (h *AdminHandler) loadUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	id := chi.URLParam(r, "id")
	user, err := h.userStore.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("get user", zap.String("user_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return nil, false
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	return user, true
}
