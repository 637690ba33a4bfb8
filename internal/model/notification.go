package model

import "time"

// Notification types.
const (
	NotificationTaskAssigned = "task_assigned"
	NotificationInvited      = "task_invited"
)

// Notification is the enriched form: sender and task are populated with
// their display fields.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient"`
	Sender      *UserRef  `json:"sender"`
	Task        *TaskRef  `json:"task"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

type TaskRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// NewNotification is the input for creating a notification. SenderID and
// TaskID are optional.
type NewNotification struct {
	RecipientID string
	SenderID    string
	TaskID      string
	Type        string
	Message     string
}
