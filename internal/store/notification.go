package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/taskhub/internal/model"
)

// ErrMissingRecipient is returned when a notification has no recipient.
var ErrMissingRecipient = errors.New("notification recipient is required")

// NotificationStore persists notifications and returns them enriched with
// the sender's username and the task's title.
type NotificationStore struct {
	db *sqlx.DB
}

func NewNotificationStore(db *sqlx.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

type notificationRow struct {
	ID          string         `db:"id"`
	RecipientID string         `db:"recipient_id"`
	SenderID    sql.NullString `db:"sender_id"`
	SenderName  sql.NullString `db:"sender_username"`
	TaskID      sql.NullString `db:"task_id"`
	TaskTitle   sql.NullString `db:"task_title"`
	Type        string         `db:"type"`
	Message     string         `db:"message"`
	Read        bool           `db:"read"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r notificationRow) toModel() model.Notification {
	n := model.Notification{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		Type:        r.Type,
		Message:     r.Message,
		Read:        r.Read,
		CreatedAt:   r.CreatedAt,
	}
	if r.SenderID.Valid {
		n.Sender = &model.UserRef{ID: r.SenderID.String, Username: r.SenderName.String}
	}
	if r.TaskID.Valid {
		n.Task = &model.TaskRef{ID: r.TaskID.String, Title: r.TaskTitle.String}
	}
	return n
}

const notificationSelect = `SELECT n.id, n.recipient_id, n.sender_id, s.username AS sender_username,
	n.task_id, t.title AS task_title, n.type, n.message, n.read, n.created_at
	FROM notifications n
	LEFT JOIN users s ON s.id = n.sender_id
	LEFT JOIN tasks t ON t.id = n.task_id`

const newestFirst = ` ORDER BY n.created_at DESC, n.rowid DESC`

func insertNotification(ctx context.Context, ex sqlx.ExecerContext, data model.NewNotification) (string, error) {
	id := uuid.New().String()
	_, err := ex.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient_id, sender_id, task_id, type, message, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		id, data.RecipientID, nullString(data.SenderID), nullString(data.TaskID),
		data.Type, data.Message, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	return id, nil
}

// CreateOne persists a notification and returns its enriched form.
func (s *NotificationStore) CreateOne(ctx context.Context, data model.NewNotification) (*model.Notification, error) {
	if data.RecipientID == "" {
		return nil, ErrMissingRecipient
	}
	id, err := insertNotification(ctx, s.db, data)
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// CreateMany persists all notifications in one transaction. Either every
// record is stored or none is. Results keep the input order.
func (s *NotificationStore) CreateMany(ctx context.Context, batch []model.NewNotification) ([]model.Notification, error) {
	if len(batch) == 0 {
		return []model.Notification{}, nil
	}
	for _, data := range batch {
		if data.RecipientID == "" {
			return nil, ErrMissingRecipient
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(batch))
	for _, data := range batch {
		id, err := insertNotification(ctx, tx, data)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit notifications: %w", err)
	}

	return s.getMany(ctx, ids)
}

func (s *NotificationStore) getMany(ctx context.Context, ids []string) ([]model.Notification, error) {
	query, args, err := sqlx.In(notificationSelect+` WHERE n.id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build notifications query: %w", err)
	}
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get notifications: %w", err)
	}

	byID := make(map[string]model.Notification, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.toModel()
	}
	out := make([]model.Notification, 0, len(ids))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *NotificationStore) GetByID(ctx context.Context, id string) (*model.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, notificationSelect+` WHERE n.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	n := row.toModel()
	return &n, nil
}

// FindUnreadRecent returns up to limit unread notifications for userID, newest first.
func (s *NotificationStore) FindUnreadRecent(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	return s.list(ctx, "find unread notifications",
		notificationSelect+` WHERE n.recipient_id = ? AND n.read = 0`+newestFirst+` LIMIT ?`,
		userID, limit)
}

// ListForRecipient returns every notification for userID, newest first.
func (s *NotificationStore) ListForRecipient(ctx context.Context, userID string) ([]model.Notification, error) {
	return s.list(ctx, "list notifications",
		notificationSelect+` WHERE n.recipient_id = ?`+newestFirst,
		userID)
}

func (s *NotificationStore) list(ctx context.Context, op, query string, args ...any) ([]model.Notification, error) {
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]model.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *NotificationStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// MarkRead sets the read flag. Read never goes back to false.
func (s *NotificationStore) MarkRead(ctx context.Context, id string) (*model.Notification, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ? AND read = 0`, id); err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return s.GetByID(ctx, id)
}

// MarkAllRead marks every unread notification for userID and returns how many changed.
func (s *NotificationStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE recipient_id = ? AND read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
