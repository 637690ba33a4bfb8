// Package notify persists notifications and pushes them, and task changes,
// to the live sessions of the users concerned.
package notify

import (
	"errors"

	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/websocket"
)

// ErrMissingParameter is returned when a dispatch lacks its target or payload.
var ErrMissingParameter = errors.New("missing required parameters")

// Broadcaster delivers an event to the rooms of the given users.
type Broadcaster interface {
	Broadcast(userIDs []string, event string, payload any)
}

// Dispatcher pushes events to connected users. Delivery is best effort:
// users without a live session simply miss the push.
type Dispatcher struct {
	b      Broadcaster
	logger *zap.Logger
}

func NewDispatcher(b Broadcaster, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{b: b, logger: logger}
}

// Dispatch sends n to its recipient's room.
func (d *Dispatcher) Dispatch(n *model.Notification) error {
	if n == nil || n.RecipientID == "" {
		d.logger.Error("dispatch notification: missing required parameters")
		return ErrMissingParameter
	}
	d.b.Broadcast([]string{n.RecipientID}, websocket.EventNotification, n)
	return nil
}

// DispatchTaskUpdate sends task to each distinct user in userIDs.
func (d *Dispatcher) DispatchTaskUpdate(userIDs []string, task *model.Task) error {
	targets := unique(userIDs)
	if task == nil || len(targets) == 0 {
		d.logger.Error("dispatch task update: missing required parameters")
		return ErrMissingParameter
	}
	d.b.Broadcast(targets, websocket.EventTaskUpdate, task)
	return nil
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
