package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/auth"
	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/notify"
	"github.com/dukerupert/taskhub/internal/permission"
	"github.com/dukerupert/taskhub/internal/sanitize"
	"github.com/dukerupert/taskhub/internal/store"
)

type TaskHandler struct {
	taskStore *store.TaskStore
	userStore *store.UserStore
	notifier  *notify.Service
	logger    *zap.Logger
}

func NewTaskHandler(ts *store.TaskStore, us *store.UserStore, notifier *notify.Service, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{taskStore: ts, userStore: us, notifier: notifier, logger: logger}
}

type createTaskRequest struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	DueDate            string   `json:"dueDate"`
	Priority           string   `json:"priority"`
	Status             string   `json:"status"`
	AssignedTo         string   `json:"assignedTo"`
	CollaboratorIDs    []string `json:"collaboratorIds"`
	CollaboratorEmails []string `json:"collaboratorEmails"`
}

type updateTaskRequest struct {
	Title              *string   `json:"title"`
	Description        *string   `json:"description"`
	DueDate            *string   `json:"dueDate"`
	Priority           *string   `json:"priority"`
	Status             *string   `json:"status"`
	AssignedTo         *string   `json:"assignedTo"`
	CollaboratorIDs    *[]string `json:"collaboratorIds"`
	CollaboratorEmails *[]string `json:"collaboratorEmails"`
}

type inviteRequest struct {
	TaskID string `json:"taskId"`
	Email  string `json:"email"`
}

// taskWithWarning is returned when some collaborator emails matched no user.
type taskWithWarning struct {
	Task    *model.Task `json:"task"`
	Warning string      `json:"warning"`
}

// badRequest is a validation failure reported to the client verbatim.
type badRequest string

func (e badRequest) Error() string { return string(e) }

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.FromContext(ctx)

	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	in := store.NewTask{
		Title:       sanitize.Text(req.Title),
		Description: sanitize.RichText(req.Description),
		Priority:    req.Priority,
		Status:      req.Status,
		CreatedBy:   caller.UserID,
		AssignedTo:  strings.TrimSpace(req.AssignedTo),
	}
	if in.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.DueDate == "" {
		writeError(w, http.StatusBadRequest, "dueDate is required")
		return
	}
	due, err := parseFlexibleTime(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "dueDate must be RFC3339 or YYYY-MM-DD")
		return
	}
	in.DueDate = due
	if in.Priority != "" && !model.ValidPriority(in.Priority) {
		writeError(w, http.StatusBadRequest, "priority must be low, medium, or high")
		return
	}
	if in.Status != "" && !model.ValidStatus(in.Status) {
		writeError(w, http.StatusBadRequest, "status must be todo, in-progress, or completed")
		return
	}
	if in.AssignedTo != "" {
		if err := h.checkUsersExist(ctx, []string{in.AssignedTo}); err != nil {
			h.fail(w, "check assignee", err)
			return
		}
	}

	collaborators, missing, err := h.resolveCollaborators(ctx, req.CollaboratorIDs, req.CollaboratorEmails)
	if err != nil {
		h.fail(w, "resolve collaborators", err)
		return
	}
	in.Collaborators = collaborators

	task, err := h.taskStore.Create(ctx, in)
	if err != nil {
		h.fail(w, "create task", err)
		return
	}

	if task.AssignedTo != nil {
		h.notifier.Notify(ctx, model.NewNotification{
			RecipientID: task.AssignedTo.ID,
			SenderID:    caller.UserID,
			TaskID:      task.ID,
			Type:        model.NotificationTaskAssigned,
			Message:     fmt.Sprintf("%s assigned you a new task: %s", caller.Username, task.Title),
		})
	}
	if len(task.Collaborators) > 0 {
		batch := make([]model.NewNotification, 0, len(task.Collaborators))
		for _, c := range task.Collaborators {
			batch = append(batch, model.NewNotification{
				RecipientID: c.ID,
				SenderID:    caller.UserID,
				TaskID:      task.ID,
				Type:        model.NotificationTaskAssigned,
				Message:     fmt.Sprintf("%s added you as a collaborator on task: %s", caller.Username, task.Title),
			})
		}
		h.notifier.NotifyMany(ctx, batch)
	}

	h.logger.Info("task created", zap.String("task_id", task.ID), zap.String("user_id", caller.UserID))

	if len(missing) > 0 {
		writeJSON(w, http.StatusCreated, taskWithWarning{Task: task, Warning: missingEmailsWarning(missing)})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// List returns the tasks the caller created, is assigned or collaborates on.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, store.TaskFilter{InvolvedUser: auth.UserID(r.Context())})
}

// All returns every task in the system.
func (h *TaskHandler) All(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, store.TaskFilter{})
}

func (h *TaskHandler) Created(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, store.TaskFilter{CreatedBy: auth.UserID(r.Context())})
}

func (h *TaskHandler) Assigned(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, store.TaskFilter{AssignedTo: auth.UserID(r.Context())})
}

// Overdue returns incomplete tasks the caller created or is assigned,
// due before now, soonest first.
func (h *TaskHandler) Overdue(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	h.list(w, r, store.TaskFilter{OwnedBy: auth.UserID(r.Context()), OverdueAt: &now})
}

// Search filters the caller's tasks by text, status, priority and due range.
func (h *TaskHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		InvolvedUser: auth.UserID(r.Context()),
		Search:       q.Get("search"),
		Status:       q.Get("status"),
		Priority:     q.Get("priority"),
	}
	if f.Status != "" && !model.ValidStatus(f.Status) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if f.Priority != "" && !model.ValidPriority(f.Priority) {
		writeError(w, http.StatusBadRequest, "invalid priority")
		return
	}
	if s := q.Get("fromDate"); s != "" {
		t, err := parseFlexibleTime(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fromDate")
			return
		}
		f.DueFrom = &t
	}
	if s := q.Get("toDate"); s != "" {
		t, err := parseFlexibleTime(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid toDate")
			return
		}
		f.DueTo = &t
	}
	h.list(w, r, f)
}

func (h *TaskHandler) list(w http.ResponseWriter, r *http.Request, f store.TaskFilter) {
	tasks, err := h.taskStore.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list tasks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, ok := h.load(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if !task.Involves(auth.UserID(ctx)) && !auth.Can(ctx, permission.ViewAllTasks) {
		writeError(w, http.StatusForbidden, "not authorized to view this task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Update applies the provided fields. Anyone involved in the task may edit
// it; reassignment and collaborator changes additionally need to be the
// creator or hold updateAnyTask or assignTask, and are ignored otherwise.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.FromContext(ctx)

	existing, ok := h.load(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	canUpdateAny := auth.Can(ctx, permission.UpdateAnyTask)
	if !existing.Involves(caller.UserID) && !canUpdateAny {
		writeError(w, http.StatusForbidden, "not authorized to update this task")
		return
	}

	var req updateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var patch store.TaskPatch
	if req.Title != nil {
		title := sanitize.Text(*req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "title cannot be empty")
			return
		}
		patch.Title = &title
	}
	if req.Description != nil {
		desc := sanitize.RichText(*req.Description)
		patch.Description = &desc
	}
	if req.DueDate != nil {
		due, err := parseFlexibleTime(*req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dueDate must be RFC3339 or YYYY-MM-DD")
			return
		}
		patch.DueDate = &due
	}
	if req.Priority != nil {
		if !model.ValidPriority(*req.Priority) {
			writeError(w, http.StatusBadRequest, "priority must be low, medium, or high")
			return
		}
		patch.Priority = req.Priority
	}
	if req.Status != nil {
		if !model.ValidStatus(*req.Status) {
			writeError(w, http.StatusBadRequest, "status must be todo, in-progress, or completed")
			return
		}
		patch.Status = req.Status
	}

	var missing []string
	canReassign := existing.CreatedBy.ID == caller.UserID || canUpdateAny || auth.Can(ctx, permission.AssignTask)
	if canReassign {
		if req.AssignedTo != nil {
			assignee := strings.TrimSpace(*req.AssignedTo)
			if assignee != "" {
				if err := h.checkUsersExist(ctx, []string{assignee}); err != nil {
					h.fail(w, "check assignee", err)
					return
				}
			}
			patch.AssignedTo = &assignee
		}
		if req.CollaboratorIDs != nil || req.CollaboratorEmails != nil {
			var ids, emails []string
			if req.CollaboratorIDs != nil {
				ids = *req.CollaboratorIDs
			}
			if req.CollaboratorEmails != nil {
				emails = *req.CollaboratorEmails
			}
			collaborators, notFound, err := h.resolveCollaborators(ctx, ids, emails)
			if err != nil {
				h.fail(w, "resolve collaborators", err)
				return
			}
			patch.Collaborators = &collaborators
			missing = notFound
		}
	} else if req.AssignedTo != nil || req.CollaboratorIDs != nil || req.CollaboratorEmails != nil {
		h.logger.Debug("ignoring assignment change without permission",
			zap.String("task_id", existing.ID), zap.String("user_id", caller.UserID))
	}

	task, err := h.taskStore.Update(ctx, existing.ID, patch)
	if err != nil {
		h.fail(w, "update task", err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if newAssignee := task.AssigneeID(); newAssignee != "" && newAssignee != existing.AssigneeID() {
		h.notifier.Notify(ctx, model.NewNotification{
			RecipientID: newAssignee,
			SenderID:    caller.UserID,
			TaskID:      task.ID,
			Type:        model.NotificationTaskAssigned,
			Message:     fmt.Sprintf("%s assigned you a task: %s", caller.Username, task.Title),
		})
	}
	h.notifier.TaskUpdated(task)

	if len(missing) > 0 {
		writeJSON(w, http.StatusOK, taskWithWarning{Task: task, Warning: missingEmailsWarning(missing)})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Delete removes a task. Only its creator or a holder of deleteAnyTask may.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, ok := h.load(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if task.CreatedBy.ID != auth.UserID(ctx) && !auth.Can(ctx, permission.DeleteAnyTask) {
		writeError(w, http.StatusForbidden, "not authorized to delete this task")
		return
	}

	if err := h.taskStore.Delete(ctx, task.ID); err != nil {
		h.fail(w, "delete task", err)
		return
	}

	h.logger.Info("task deleted", zap.String("task_id", task.ID), zap.String("user_id", auth.UserID(ctx)))
	writeMessage(w, "task deleted")
}

// Invite adds the user with the given email as a collaborator.
func (h *TaskHandler) Invite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.FromContext(ctx)

	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.TaskID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "taskId and email are required")
		return
	}

	task, ok := h.load(w, r, req.TaskID)
	if !ok {
		return
	}
	if !task.Involves(caller.UserID) && !auth.Can(ctx, permission.UpdateAnyTask) {
		writeError(w, http.StatusForbidden, "not authorized to invite collaborators to this task")
		return
	}

	invitee, err := h.userStore.GetByEmail(ctx, req.Email)
	if err != nil {
		h.fail(w, "find invitee", err)
		return
	}
	if invitee == nil {
		writeError(w, http.StatusNotFound, "user with this email not found")
		return
	}

	added, err := h.taskStore.AddCollaborator(ctx, task.ID, invitee.ID)
	if err != nil {
		h.fail(w, "add collaborator", err)
		return
	}
	if !added {
		writeError(w, http.StatusBadRequest, "user is already a collaborator on this task")
		return
	}

	h.notifier.Notify(ctx, model.NewNotification{
		RecipientID: invitee.ID,
		SenderID:    caller.UserID,
		TaskID:      task.ID,
		Type:        model.NotificationInvited,
		Message:     fmt.Sprintf("%s invited you to collaborate on task: %s", caller.Username, task.Title),
	})

	updated, err := h.taskStore.GetByID(ctx, task.ID)
	if err != nil {
		h.fail(w, "reload task", err)
		return
	}
	if updated == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.notifier.TaskUpdated(updated)

	writeJSON(w, http.StatusOK, updated)
}

// load fetches a task by id, writing 404 or 500 when it cannot.
func (h *TaskHandler) load(w http.ResponseWriter, r *http.Request, id string) (*model.Task, bool) {
	task, err := h.taskStore.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("get task", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return nil, false
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	return task, true
}

// resolveCollaborators merges explicit ids with the users behind emails.
// Unknown ids are a bad request; unknown emails are returned as missing.
func (h *TaskHandler) resolveCollaborators(ctx context.Context, ids, emails []string) ([]string, []string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	var cleaned []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if err := h.checkUsersExist(ctx, cleaned); err != nil {
		return nil, nil, err
	}
	for _, id := range cleaned {
		add(id)
	}

	var missing []string
	if len(emails) > 0 {
		found, err := h.userStore.GetByEmails(ctx, emails)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range emails {
			e = strings.TrimSpace(e)
			if e == "" {
				continue
			}
			if u, ok := found[strings.ToLower(e)]; ok {
				add(u.ID)
			} else {
				missing = append(missing, e)
			}
		}
	}
	if out == nil {
		out = []string{}
	}
	return out, missing, nil
}

func (h *TaskHandler) checkUsersExist(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	unique := make(map[string]bool, len(ids))
	for _, id := range ids {
		unique[id] = true
	}
	list := make([]string, 0, len(unique))
	for id := range unique {
		list = append(list, id)
	}
	n, err := h.userStore.CountExisting(ctx, list)
	if err != nil {
		return err
	}
	if n != len(list) {
		return badRequest("unknown user id")
	}
	return nil
}

// fail writes a 400 for validation errors and logs anything else as a 500.
func (h *TaskHandler) fail(w http.ResponseWriter, op string, err error) {
	if br, ok := err.(badRequest); ok {
		writeError(w, http.StatusBadRequest, string(br))
		return
	}
	h.logger.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func missingEmailsWarning(emails []string) string {
	return "The following collaborator emails were not found: " + strings.Join(emails, ", ")
}
