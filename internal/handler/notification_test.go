package handler

import (
	"net/http"
	"testing"

	"github.com/dukerupert/taskhub/internal/model"
)

func TestNotificationEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	_, aliceCred := env.user(t, "alice", model.RoleUser)
	bob, bobCred := env.user(t, "bob", model.RoleUser)

	env.createTask(t, aliceCred, map[string]any{"title": "First", "assignedTo": bob.ID})
	env.createTask(t, aliceCred, map[string]any{"title": "Second", "assignedTo": bob.ID})

	rec := env.do(t, "GET", "/notifications/unread/count", bobCred, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[map[string]int](t, rec)["count"]; got != 2 {
		t.Fatalf("unread count = %d, want 2", got)
	}

	rec = env.do(t, "GET", "/notifications", bobCred, nil)
	expectStatus(t, rec, http.StatusOK)
	list := decode[[]model.Notification](t, rec)
	if len(list) != 2 {
		t.Fatalf("got %d notifications, want 2", len(list))
	}
	if list[0].Task == nil || list[0].Task.Title != "Second" {
		t.Errorf("newest notification = %+v, want task Second", list[0])
	}
	if list[0].Sender == nil || list[0].Sender.Username != "alice" {
		t.Errorf("sender = %+v, want alice", list[0].Sender)
	}

	// Only the recipient may mark it read.
	expectStatus(t, env.do(t, "PUT", "/notifications/"+list[0].ID+"/read", aliceCred, nil), http.StatusForbidden)
	expectStatus(t, env.do(t, "PUT", "/notifications/missing/read", bobCred, nil), http.StatusNotFound)

	rec = env.do(t, "PUT", "/notifications/"+list[0].ID+"/read", bobCred, nil)
	expectStatus(t, rec, http.StatusOK)
	if !decode[model.Notification](t, rec).Read {
		t.Error("notification should be read")
	}

	rec = env.do(t, "GET", "/notifications/unread/count", bobCred, nil)
	if got := decode[map[string]int](t, rec)["count"]; got != 1 {
		t.Errorf("unread count = %d, want 1", got)
	}

	rec = env.do(t, "PUT", "/notifications/read-all", bobCred, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[map[string]any](t, rec)["updated"]; got != float64(1) {
		t.Errorf("updated = %v, want 1", got)
	}

	rec = env.do(t, "GET", "/notifications/unread/count", bobCred, nil)
	if got := decode[map[string]int](t, rec)["count"]; got != 0 {
		t.Errorf("unread count = %d, want 0", got)
	}
}

func TestNotificationListEmpty(t *testing.T) {
	env := setupTestEnv(t)
	_, cred := env.user(t, "alice", model.RoleUser)

	rec := env.do(t, "GET", "/notifications", cred, nil)
	expectStatus(t, rec, http.StatusOK)
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want empty JSON array", body)
	}
}
