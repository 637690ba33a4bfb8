package auth

import (
	"context"

	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/permission"
)

type contextKey struct{}

type AuthContext struct {
	UserID      string
	Username    string
	Role        string
	Permissions model.Permissions
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

// FromUser builds the context for an authenticated user.
func FromUser(u *model.User) AuthContext {
	return AuthContext{
		UserID:      u.ID,
		Username:    u.Username,
		Role:        u.Role,
		Permissions: u.Permissions,
	}
}

func UserID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.UserID
}

func IsAdmin(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Role == model.RoleAdmin
}

// Can reports whether the caller holds capability c. Admins always can.
func Can(ctx context.Context, c permission.Capability) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return permission.Allowed(ac.Role, ac.Permissions, c)
}
