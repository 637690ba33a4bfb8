package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/permission"
)

// ErrDuplicate is returned when a unique column (username, email) already holds the value.
var ErrDuplicate = errors.New("already exists")

// ErrOwnsTasks is returned when deleting a user who still created tasks.
// Those tasks stay with their assignees and collaborators.
var ErrOwnsTasks = errors.New("user still owns tasks")

type UserStore struct {
	db *sqlx.DB
}

func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db}
}

type userRow struct {
	ID            string    `db:"id"`
	Username      string    `db:"username"`
	Email         string    `db:"email"`
	PasswordHash  string    `db:"password_hash"`
	Role          string    `db:"role"`
	CreateTask    bool      `db:"perm_create_task"`
	UpdateAnyTask bool      `db:"perm_update_any_task"`
	DeleteAnyTask bool      `db:"perm_delete_any_task"`
	AssignTask    bool      `db:"perm_assign_task"`
	ViewAllTasks  bool      `db:"perm_view_all_tasks"`
	ManageUsers   bool      `db:"perm_manage_users"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r userRow) toModel() *model.User {
	return &model.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         r.Role,
		Permissions: model.Permissions{
			CreateTask:    r.CreateTask,
			UpdateAnyTask: r.UpdateAnyTask,
			DeleteAnyTask: r.DeleteAnyTask,
			AssignTask:    r.AssignTask,
			ViewAllTasks:  r.ViewAllTasks,
			ManageUsers:   r.ManageUsers,
		},
		CreatedAt: r.CreatedAt,
	}
}

const userCols = `id, username, email, password_hash, role,
	perm_create_task, perm_update_any_task, perm_delete_any_task,
	perm_assign_task, perm_view_all_tasks, perm_manage_users, created_at`

// Create hashes password and inserts a user with the role's default permissions.
func (s *UserStore) Create(ctx context.Context, username, email, password, role string) (*model.User, error) {
	if !model.ValidRole(role) {
		return nil, fmt.Errorf("insert user: invalid role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id := uuid.New().String()
	p := permission.Defaults(role)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, username, strings.ToLower(email), string(hash), role,
		p.CreateTask, p.UpdateAnyTask, p.DeleteAnyTask,
		p.AssignTask, p.ViewAllTasks, p.ManageUsers, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	return s.getOne(ctx, "get user", `SELECT `+userCols+` FROM users WHERE id = ?`, id)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getOne(ctx, "get user by email", `SELECT `+userCols+` FROM users WHERE email = ?`, strings.ToLower(email))
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getOne(ctx, "get user by username", `SELECT `+userCols+` FROM users WHERE username = ?`, username)
}

func (s *UserStore) getOne(ctx context.Context, op, query string, arg any) (*model.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return row.toModel(), nil
}

// GetByEmails returns the users matching any of emails, keyed by lowercased email.
func (s *UserStore) GetByEmails(ctx context.Context, emails []string) (map[string]*model.User, error) {
	found := make(map[string]*model.User)
	if len(emails) == 0 {
		return found, nil
	}
	lowered := make([]string, len(emails))
	for i, e := range emails {
		lowered[i] = strings.ToLower(strings.TrimSpace(e))
	}
	query, args, err := sqlx.In(`SELECT `+userCols+` FROM users WHERE email IN (?)`, lowered)
	if err != nil {
		return nil, fmt.Errorf("build users by email query: %w", err)
	}
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list users by email: %w", err)
	}
	for _, r := range rows {
		found[r.Email] = r.toModel()
	}
	return found, nil
}

// CountExisting returns how many of ids belong to existing users.
func (s *UserStore) CountExisting(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("build user count query: %w", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// List returns all users, newest first.
func (s *UserStore) List(ctx context.Context) ([]model.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+userCols+` FROM users ORDER BY created_at DESC, rowid DESC`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]model.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, *r.toModel())
	}
	return users, nil
}

// CheckPassword reports whether password matches the user's hash.
func CheckPassword(u *model.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// UpdateRole sets role and resets the permission flags to the role's defaults.
func (s *UserStore) UpdateRole(ctx context.Context, id, role string) (*model.User, error) {
	if !model.ValidRole(role) {
		return nil, fmt.Errorf("update role: invalid role %q", role)
	}
	p := permission.Defaults(role)
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = ?,
			perm_create_task = ?, perm_update_any_task = ?, perm_delete_any_task = ?,
			perm_assign_task = ?, perm_view_all_tasks = ?, perm_manage_users = ?
		 WHERE id = ?`,
		role, p.CreateTask, p.UpdateAnyTask, p.DeleteAnyTask,
		p.AssignTask, p.ViewAllTasks, p.ManageUsers, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update role: %w", err)
	}
	return s.GetByID(ctx, id)
}

// UpdatePermissions overwrites the permission flags.
func (s *UserStore) UpdatePermissions(ctx context.Context, id string, p model.Permissions) (*model.User, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET
			perm_create_task = ?, perm_update_any_task = ?, perm_delete_any_task = ?,
			perm_assign_task = ?, perm_view_all_tasks = ?, perm_manage_users = ?
		 WHERE id = ?`,
		p.CreateTask, p.UpdateAnyTask, p.DeleteAnyTask,
		p.AssignTask, p.ViewAllTasks, p.ManageUsers, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update permissions: %w", err)
	}
	return s.GetByID(ctx, id)
}

// Delete removes a user. Tasks they created and notifications addressed to
// them cascade; assignments and sender references are cleared.
// Delete removes the user, their received notifications and their
// collaborator entries. Tasks the user created block the delete.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var owned int
	if err := tx.GetContext(ctx, &owned, `SELECT COUNT(*) FROM tasks WHERE created_by = ?`, id); err != nil {
		return fmt.Errorf("count owned tasks: %w", err)
	}
	if owned > 0 {
		return ErrOwnsTasks
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		if isForeignKeyViolation(err) {
			return ErrOwnsTasks
		}
		return fmt.Errorf("delete user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
