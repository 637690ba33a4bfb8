package model

import "time"

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// Permissions are the per-user capability flags. Defaults come from the
// user's role; admins can override individual flags.
type Permissions struct {
	CreateTask    bool `json:"createTask"`
	UpdateAnyTask bool `json:"updateAnyTask"`
	DeleteAnyTask bool `json:"deleteAnyTask"`
	AssignTask    bool `json:"assignTask"`
	ViewAllTasks  bool `json:"viewAllTasks"`
	ManageUsers   bool `json:"manageUsers"`
}

type User struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	Email        string      `json:"email"`
	PasswordHash string      `json:"-"`
	Role         string      `json:"role"`
	Permissions  Permissions `json:"permissions"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// UserRef is the populated form of a user reference.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
