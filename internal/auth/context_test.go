package auth

import (
	"context"
	"testing"

	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/permission"
)

func TestWithAuthAndFromContext(t *testing.T) {
	ac := AuthContext{
		UserID:   "u1",
		Username: "alice",
		Role:     "admin",
	}

	ctx := WithAuth(context.Background(), ac)
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected AuthContext in context")
	}
	if got.UserID != "u1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "u1")
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, want %q", got.Username, "alice")
	}
	if got.Role != "admin" {
		t.Errorf("Role = %q, want %q", got.Role, "admin")
	}
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("expected false for missing AuthContext")
	}
}

func TestFromUser(t *testing.T) {
	u := &model.User{ID: "u2", Username: "bob", Role: model.RoleManager, Permissions: permission.Defaults(model.RoleManager)}
	ac := FromUser(u)
	if ac.UserID != "u2" || ac.Username != "bob" || ac.Role != model.RoleManager {
		t.Errorf("FromUser = %+v", ac)
	}
	if !ac.Permissions.ViewAllTasks {
		t.Error("expected manager permissions to carry over")
	}
}

func TestUserID(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{UserID: "u7"})
	if UserID(ctx) != "u7" {
		t.Errorf("UserID = %q, want %q", UserID(ctx), "u7")
	}
}

func TestUserIDMissing(t *testing.T) {
	if UserID(context.Background()) != "" {
		t.Error("expected empty id for missing context")
	}
}

func TestIsAdmin(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Role: "admin"})
	if !IsAdmin(ctx) {
		t.Error("expected IsAdmin = true for admin role")
	}
}

func TestIsAdminFalse(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Role: "user"})
	if IsAdmin(ctx) {
		t.Error("expected IsAdmin = false for user role")
	}
}

func TestIsAdminMissing(t *testing.T) {
	if IsAdmin(context.Background()) {
		t.Error("expected IsAdmin = false for missing context")
	}
}

func TestCan(t *testing.T) {
	user := WithAuth(context.Background(), AuthContext{Role: "user", Permissions: permission.Defaults("user")})
	if !Can(user, permission.CreateTask) {
		t.Error("user should be able to create tasks")
	}
	if Can(user, permission.ViewAllTasks) {
		t.Error("user should not view all tasks")
	}

	admin := WithAuth(context.Background(), AuthContext{Role: "admin"})
	if !Can(admin, permission.ManageUsers) {
		t.Error("admin should bypass flags")
	}

	if Can(context.Background(), permission.CreateTask) {
		t.Error("missing context should deny")
	}
}
