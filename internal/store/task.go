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

	"github.com/dukerupert/taskhub/internal/model"
)

type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

// NewTask is the input for Create. AssignedTo and Collaborators are optional.
type NewTask struct {
	Title         string
	Description   string
	DueDate       time.Time
	Priority      string
	Status        string
	CreatedBy     string
	AssignedTo    string
	Collaborators []string
}

// TaskPatch holds the fields an update changes; nil means unchanged.
// An empty AssignedTo clears the assignee.
type TaskPatch struct {
	Title         *string
	Description   *string
	DueDate       *time.Time
	Priority      *string
	Status        *string
	AssignedTo    *string
	Collaborators *[]string
}

// TaskFilter narrows List. Zero fields do not filter.
type TaskFilter struct {
	// InvolvedUser keeps tasks the user created, is assigned or collaborates on.
	InvolvedUser string
	// OwnedBy keeps tasks the user created or is assigned.
	OwnedBy    string
	CreatedBy  string
	AssignedTo string
	Search     string
	Status     string
	Priority   string
	DueFrom    *time.Time
	DueTo      *time.Time
	// OverdueAt keeps incomplete tasks due before it and sorts by due date.
	OverdueAt *time.Time
}

type taskRow struct {
	ID             string         `db:"id"`
	Title          string         `db:"title"`
	Description    string         `db:"description"`
	DueDate        time.Time      `db:"due_date"`
	Priority       string         `db:"priority"`
	Status         string         `db:"status"`
	CreatedByID    string         `db:"created_by"`
	CreatedByName  string         `db:"created_by_username"`
	AssignedToID   sql.NullString `db:"assigned_to"`
	AssignedToName sql.NullString `db:"assigned_to_username"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r taskRow) toModel() model.Task {
	t := model.Task{
		ID:            r.ID,
		Title:         r.Title,
		Description:   r.Description,
		DueDate:       r.DueDate,
		Priority:      r.Priority,
		Status:        r.Status,
		CreatedBy:     model.UserRef{ID: r.CreatedByID, Username: r.CreatedByName},
		Collaborators: []model.Collaborator{},
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.AssignedToID.Valid {
		t.AssignedTo = &model.UserRef{ID: r.AssignedToID.String, Username: r.AssignedToName.String}
	}
	return t
}

const taskSelect = `SELECT t.id, t.title, t.description, t.due_date, t.priority, t.status,
	t.created_by, c.username AS created_by_username,
	t.assigned_to, a.username AS assigned_to_username,
	t.created_at, t.updated_at
	FROM tasks t
	JOIN users c ON c.id = t.created_by
	LEFT JOIN users a ON a.id = t.assigned_to`

// Create inserts the task and its collaborators in one transaction.
func (s *TaskStore) Create(ctx context.Context, in NewTask) (*model.Task, error) {
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	if in.Status == "" {
		in.Status = model.StatusTodo
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, due_date, priority, status, created_by, assigned_to, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Title, in.Description, in.DueDate.UTC(), in.Priority, in.Status,
		in.CreatedBy, nullString(in.AssignedTo), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	if err := addCollaborators(ctx, tx, id, in.Collaborators); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task: %w", err)
	}
	return s.GetByID(ctx, id)
}

func addCollaborators(ctx context.Context, tx *sqlx.Tx, taskID string, userIDs []string) error {
	for _, uid := range userIDs {
		if uid == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_collaborators (task_id, user_id) VALUES (?, ?)`,
			taskID, uid,
		)
		if err != nil {
			return fmt.Errorf("insert collaborator: %w", err)
		}
	}
	return nil
}

// GetByID returns the enriched task, or nil if it does not exist.
func (s *TaskStore) GetByID(ctx context.Context, id string) (*model.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, taskSelect+` WHERE t.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	tasks := []model.Task{row.toModel()}
	if err := s.loadCollaborators(ctx, tasks); err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

type collaboratorRow struct {
	TaskID   string `db:"task_id"`
	ID       string `db:"id"`
	Username string `db:"username"`
	Email    string `db:"email"`
}

func (s *TaskStore) loadCollaborators(ctx context.Context, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]string, len(tasks))
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
		index[t.ID] = i
	}

	query, args, err := sqlx.In(
		`SELECT tc.task_id, u.id, u.username, u.email
		 FROM task_collaborators tc
		 JOIN users u ON u.id = tc.user_id
		 WHERE tc.task_id IN (?)
		 ORDER BY u.username`, ids)
	if err != nil {
		return fmt.Errorf("build collaborators query: %w", err)
	}
	var rows []collaboratorRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("load collaborators: %w", err)
	}
	for _, r := range rows {
		i := index[r.TaskID]
		tasks[i].Collaborators = append(tasks[i].Collaborators, model.Collaborator{
			ID:       r.ID,
			Username: r.Username,
			Email:    r.Email,
		})
	}
	return nil
}

// List returns enriched tasks matching f, newest first, or by due date
// for overdue queries.
func (s *TaskStore) List(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	var where []string
	var args []any

	if f.InvolvedUser != "" {
		where = append(where, `(t.created_by = ? OR t.assigned_to = ? OR EXISTS (
			SELECT 1 FROM task_collaborators tc WHERE tc.task_id = t.id AND tc.user_id = ?))`)
		args = append(args, f.InvolvedUser, f.InvolvedUser, f.InvolvedUser)
	}
	if f.OwnedBy != "" {
		where = append(where, `(t.created_by = ? OR t.assigned_to = ?)`)
		args = append(args, f.OwnedBy, f.OwnedBy)
	}
	if f.CreatedBy != "" {
		where = append(where, `t.created_by = ?`)
		args = append(args, f.CreatedBy)
	}
	if f.AssignedTo != "" {
		where = append(where, `t.assigned_to = ?`)
		args = append(args, f.AssignedTo)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + escapeLike(term) + "%"
		where = append(where, `(t.title LIKE ? ESCAPE '\' OR t.description LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}
	if f.Status != "" {
		where = append(where, `t.status = ?`)
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		where = append(where, `t.priority = ?`)
		args = append(args, f.Priority)
	}
	if f.DueFrom != nil {
		where = append(where, `t.due_date >= ?`)
		args = append(args, f.DueFrom.UTC())
	}
	if f.DueTo != nil {
		where = append(where, `t.due_date <= ?`)
		args = append(args, f.DueTo.UTC())
	}
	order := ` ORDER BY t.created_at DESC, t.rowid DESC`
	if f.OverdueAt != nil {
		where = append(where, `t.due_date < ? AND t.status != ?`)
		args = append(args, f.OverdueAt.UTC(), model.StatusCompleted)
		order = ` ORDER BY t.due_date ASC, t.rowid ASC`
	}

	query := taskSelect
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += order

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toModel())
	}
	if err := s.loadCollaborators(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Update applies p in one transaction and returns the enriched task.
func (s *TaskStore) Update(ctx context.Context, id string, p TaskPatch) (*model.Task, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	if p.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, p.DueDate.UTC())
	}
	if p.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *p.Priority)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *p.Status)
	}
	if p.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, nullString(*p.AssignedTo))
	}
	args = append(args, id)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	if p.Collaborators != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_collaborators WHERE task_id = ?`, id); err != nil {
			return nil, fmt.Errorf("clear collaborators: %w", err)
		}
		if err := addCollaborators(ctx, tx, id, *p.Collaborators); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task update: %w", err)
	}
	return s.GetByID(ctx, id)
}

// AddCollaborator adds userID to the task. It reports false when the user
// was already a collaborator.
func (s *TaskStore) AddCollaborator(ctx context.Context, taskID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_collaborators (task_id, user_id) VALUES (?, ?)`,
		taskID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("add collaborator: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, time.Now().UTC(), taskID); err != nil {
		return true, fmt.Errorf("touch task: %w", err)
	}
	return true, nil
}

// Delete removes the task. Collaborator rows and notifications cascade.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
