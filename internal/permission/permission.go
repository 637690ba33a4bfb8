// Package permission holds the static role table and the capability checks
// the HTTP layer enforces.
package permission

import "github.com/dukerupert/taskhub/internal/model"

// Capability names one of the permission flags.
type Capability string

const (
	CreateTask    Capability = "createTask"
	UpdateAnyTask Capability = "updateAnyTask"
	DeleteAnyTask Capability = "deleteAnyTask"
	AssignTask    Capability = "assignTask"
	ViewAllTasks  Capability = "viewAllTasks"
	ManageUsers   Capability = "manageUsers"
)

var roleDefaults = map[string]model.Permissions{
	model.RoleAdmin: {
		CreateTask:    true,
		UpdateAnyTask: true,
		DeleteAnyTask: true,
		AssignTask:    true,
		ViewAllTasks:  true,
		ManageUsers:   true,
	},
	model.RoleManager: {
		CreateTask:    true,
		UpdateAnyTask: true,
		AssignTask:    true,
		ViewAllTasks:  true,
	},
	model.RoleUser: {
		CreateTask: true,
	},
}

// Defaults returns the default flags for role. Unknown roles get the
// plain user defaults.
func Defaults(role string) model.Permissions {
	if p, ok := roleDefaults[role]; ok {
		return p
	}
	return roleDefaults[model.RoleUser]
}

// HasPermission consults the static role table only.
func HasPermission(role string, c Capability) bool {
	p, ok := roleDefaults[role]
	if !ok {
		return false
	}
	return Flag(p, c)
}

// Allowed checks a user's stored flags. Admins are always allowed.
func Allowed(role string, p model.Permissions, c Capability) bool {
	if role == model.RoleAdmin {
		return true
	}
	return Flag(p, c)
}

// Flag reads the flag for c from p.
func Flag(p model.Permissions, c Capability) bool {
	switch c {
	case CreateTask:
		return p.CreateTask
	case UpdateAnyTask:
		return p.UpdateAnyTask
	case DeleteAnyTask:
		return p.DeleteAnyTask
	case AssignTask:
		return p.AssignTask
	case ViewAllTasks:
		return p.ViewAllTasks
	case ManageUsers:
		return p.ManageUsers
	}
	return false
}

// Patch is a partial permission update; nil fields are left unchanged.
type Patch struct {
	CreateTask    *bool `json:"createTask"`
	UpdateAnyTask *bool `json:"updateAnyTask"`
	DeleteAnyTask *bool `json:"deleteAnyTask"`
	AssignTask    *bool `json:"assignTask"`
	ViewAllTasks  *bool `json:"viewAllTasks"`
	ManageUsers   *bool `json:"manageUsers"`
}

// Merge applies the set fields of patch to p.
func Merge(p model.Permissions, patch Patch) model.Permissions {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.CreateTask, patch.CreateTask)
	set(&p.UpdateAnyTask, patch.UpdateAnyTask)
	set(&p.DeleteAnyTask, patch.DeleteAnyTask)
	set(&p.AssignTask, patch.AssignTask)
	set(&p.ViewAllTasks, patch.ViewAllTasks)
	set(&p.ManageUsers, patch.ManageUsers)
	return p
}
