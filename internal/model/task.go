package model

import "time"

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"

	StatusTodo       = "todo"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

var validPriorities = map[string]bool{
	PriorityLow:    true,
	PriorityMedium: true,
	PriorityHigh:   true,
}

var validStatuses = map[string]bool{
	StatusTodo:       true,
	StatusInProgress: true,
	StatusCompleted:  true,
}

func ValidPriority(p string) bool { return validPriorities[p] }

func ValidStatus(s string) bool { return validStatuses[s] }

type Task struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	DueDate       time.Time      `json:"dueDate"`
	Priority      string         `json:"priority"`
	Status        string         `json:"status"`
	CreatedBy     UserRef        `json:"createdBy"`
	AssignedTo    *UserRef       `json:"assignedTo"`
	Collaborators []Collaborator `json:"collaborators"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type Collaborator struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// AssigneeID returns the assignee's id or "" when unassigned.
func (t *Task) AssigneeID() string {
	if t.AssignedTo == nil {
		return ""
	}
	return t.AssignedTo.ID
}

// IsCollaborator reports whether userID is in the collaborator set.
func (t *Task) IsCollaborator(userID string) bool {
	for _, c := range t.Collaborators {
		if c.ID == userID {
			return true
		}
	}
	return false
}

// Involves reports whether userID created, is assigned to, or collaborates on the task.
func (t *Task) Involves(userID string) bool {
	return t.CreatedBy.ID == userID || t.AssigneeID() == userID || t.IsCollaborator(userID)
}

// Audience returns every user with a stake in the task: creator, assignee
// and collaborators. Duplicates are possible.
func (t *Task) Audience() []string {
	ids := make([]string, 0, len(t.Collaborators)+2)
	ids = append(ids, t.CreatedBy.ID)
	if id := t.AssigneeID(); id != "" {
		ids = append(ids, id)
	}
	for _, c := range t.Collaborators {
		ids = append(ids, c.ID)
	}
	return ids
}
