package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/model"
)

// Store persists notifications and returns their enriched form.
type Store interface {
	CreateOne(ctx context.Context, data model.NewNotification) (*model.Notification, error)
	CreateMany(ctx context.Context, batch []model.NewNotification) ([]model.Notification, error)
}

// Service stores a notification first and pushes it only once it is durable.
type Service struct {
	store      Store
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewService(store Store, dispatcher *Dispatcher, logger *zap.Logger) *Service {
	return &Service{store: store, dispatcher: dispatcher, logger: logger}
}

// Notify persists one notification and pushes it to the recipient.
func (s *Service) Notify(ctx context.Context, data model.NewNotification) (*model.Notification, error) {
	n, err := s.store.CreateOne(ctx, data)
	if err != nil {
		s.logger.Error("create notification", zap.String("recipient", data.RecipientID), zap.Error(err))
		return nil, err
	}
	s.push(n)
	return n, nil
}

// NotifyMany persists a batch atomically, then pushes each record.
func (s *Service) NotifyMany(ctx context.Context, batch []model.NewNotification) ([]model.Notification, error) {
	out, err := s.store.CreateMany(ctx, batch)
	if err != nil {
		s.logger.Error("create notifications", zap.Int("count", len(batch)), zap.Error(err))
		return nil, err
	}
	for i := range out {
		s.push(&out[i])
	}
	return out, nil
}

// TaskUpdated pushes task to its creator, assignee and collaborators.
func (s *Service) TaskUpdated(task *model.Task) {
	if task == nil {
		s.logger.Warn("task update without a task")
		return
	}
	if err := s.dispatcher.DispatchTaskUpdate(task.Audience(), task); err != nil {
		s.logger.Warn("push task update", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// push delivers a stored notification. The record is already durable, so
// a failed push is logged and the recipient sees it on the next replay.
func (s *Service) push(n *model.Notification) {
	if err := s.dispatcher.Dispatch(n); err != nil {
		s.logger.Warn("push notification", zap.String("notification_id", n.ID), zap.Error(err))
	}
}
