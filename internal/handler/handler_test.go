package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/database"
	"github.com/dukerupert/taskhub/internal/middleware"
	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/notify"
	"github.com/dukerupert/taskhub/internal/store"
	"github.com/dukerupert/taskhub/internal/token"
)

type broadcastCall struct {
	users   []string
	event   string
	payload any
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *recordingBroadcaster) Broadcast(userIDs []string, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{users: userIDs, event: event, payload: payload})
}

func (b *recordingBroadcaster) byEvent(event string) []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcastCall
	for _, c := range b.calls {
		if c.event == event {
			out = append(out, c)
		}
	}
	return out
}

type testEnv struct {
	users         *store.UserStore
	tasks         *store.TaskStore
	notifications *store.NotificationStore
	tokens        *token.Manager
	broadcasts    *recordingBroadcaster
	router        http.Handler
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	env := &testEnv{
		users:         store.NewUserStore(db),
		tasks:         store.NewTaskStore(db),
		notifications: store.NewNotificationStore(db),
		tokens:        token.NewManager("handler-test-secret", time.Hour),
		broadcasts:    &recordingBroadcaster{},
	}
	cache := middleware.NewTokenCache(env.tokens)
	notifier := notify.NewService(env.notifications, notify.NewDispatcher(env.broadcasts, logger), logger)

	authH := NewAuthHandler(env.users, env.tokens, cache, CookieOptions{}, logger)
	taskH := NewTaskHandler(env.tasks, env.users, notifier, logger)
	notifH := NewNotificationHandler(env.notifications, logger)
	adminH := NewAdminHandler(env.users, logger)
	requireAuth := middleware.RequireAuth(cache, env.users, logger)

	r := chi.NewRouter()
	r.Post("/auth/register", authH.Register)
	r.Post("/auth/login", authH.Login)
	r.Post("/auth/logout", authH.Logout)
	r.With(requireAuth).Get("/auth/me", authH.Me)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/tasks", taskH.Create)
		r.Get("/tasks", taskH.List)
		r.Get("/tasks/all", taskH.All)
		r.Get("/tasks/filter/created", taskH.Created)
		r.Get("/tasks/filter/assigned", taskH.Assigned)
		r.Get("/tasks/filter/overdue", taskH.Overdue)
		r.Get("/tasks/search", taskH.Search)
		r.Post("/tasks/invite", taskH.Invite)
		r.Get("/tasks/{id}", taskH.Get)
		r.Put("/tasks/{id}", taskH.Update)
		r.Delete("/tasks/{id}", taskH.Delete)
		r.Get("/notifications", notifH.List)
		r.Put("/notifications/read-all", notifH.MarkAllRead)
		r.Get("/notifications/unread/count", notifH.UnreadCount)
		r.Put("/notifications/{id}/read", notifH.MarkRead)
		r.Get("/admin/users", adminH.ListUsers)
		r.Get("/admin/users/{id}", adminH.GetUser)
		r.Put("/admin/users/{id}/role", adminH.UpdateRole)
		r.Put("/admin/users/{id}/permissions", adminH.UpdatePermissions)
		r.Delete("/admin/users/{id}", adminH.DeleteUser)
	})
	env.router = r
	return env
}

// user creates an account and returns it with a bearer credential.
func (env *testEnv) user(t *testing.T, username, role string) (*model.User, string) {
	t.Helper()
	u, err := env.users.Create(context.Background(), username, username+"@example.com", "password123", role)
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	cred, err := env.tokens.Issue(u.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return u, cred
}

func (env *testEnv) do(t *testing.T, method, path, cred string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func tomorrow() string {
	return time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
}

func (env *testEnv) createTask(t *testing.T, cred string, body map[string]any) model.Task {
	t.Helper()
	if _, ok := body["dueDate"]; !ok {
		body["dueDate"] = tomorrow()
	}
	rec := env.do(t, "POST", "/tasks", cred, body)
	expectStatus(t, rec, http.StatusCreated)
	return decode[model.Task](t, rec)
}

func (env *testEnv) inbox(t *testing.T, userID string) []model.Notification {
	t.Helper()
	items, err := env.notifications.ListForRecipient(context.Background(), userID)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return items
}
