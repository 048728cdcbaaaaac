package domain

import (
	"fmt"
	"time"
)

// Priority is the urgency bucket of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates a wire value. An empty value defaults to medium.
func ParsePriority(v string) (Priority, error) {
	switch p := Priority(v); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, v)
	}
}

// Task represents a single card on a board list.
type Task struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"board_id"`
	ListID      string     `json:"list_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    Priority   `json:"priority"`
	Order       int        `json:"order"`
	Archived    bool       `json:"is_archived"`
	Completed   bool       `json:"is_completed"`
	Assignees   []string   `json:"assignees"`
	CreatedBy   string     `json:"created_by"`
}

// Clone returns a copy that shares no slices or pointers with t.
func (t Task) Clone() Task {
	out := t
	if t.Assignees != nil {
		out.Assignees = append([]string(nil), t.Assignees...)
	}
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	return out
}

// TaskPatch carries a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	ClearDue    bool       `json:"clear_due_date,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil && !p.ClearDue && p.Priority == nil
}

// Apply merges the patch into t.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ClearDue {
		t.DueDate = nil
	}
	if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
}
