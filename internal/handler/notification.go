package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/auth"
	"github.com/dukerupert/taskhub/internal/store"
)

type NotificationHandler struct {
	store  *store.NotificationStore
	logger *zap.Logger
}

func NewNotificationHandler(ns *store.NotificationStore, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{store: ns, logger: logger}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListForRecipient(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("list notifications", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// MarkRead marks one of the caller's notifications as read.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	n, err := h.store.GetByID(ctx, id)
	if err != nil {
		h.logger.Error("get notification", zap.String("notification_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get notification")
		return
	}
	if n == nil {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if n.RecipientID != auth.UserID(ctx) {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	n, err = h.store.MarkRead(ctx, id)
	if err != nil {
		h.logger.Error("mark notification read", zap.String("notification_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update notification")
		return
	}
	if n == nil {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	updated, err := h.store.MarkAllRead(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("mark all notifications read", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "all notifications marked as read",
		"updated": updated,
	})
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountUnread(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("count unread notifications", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}
