package domain

import "time"

// PlaceholderID marks an optimistically created task that the server has not
// confirmed yet. Reconciliation replaces it with the server-assigned ID.
const PlaceholderID = "-1"

// Priority is the urgency bucket of a task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priority values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Filter selects which slice of the task collection a list read returns.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterPending   Filter = "pending"
	FilterCompleted Filter = "completed"
)

// Valid reports whether f is one of the known filter values.
func (f Filter) Valid() bool {
	switch f {
	case FilterAll, FilterPending, FilterCompleted:
		return true
	}
	return false
}

// Matches reports whether a task with the given completion state belongs to
// the filter's partition.
func (f Filter) Matches(completed bool) bool {
	switch f {
	case FilterPending:
		return !completed
	case FilterCompleted:
		return completed
	default:
		return true
	}
}

// Task represents a single todo item as seen by the client.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	DueDate     string    `json:"dueDate,omitempty"`
	Priority    Priority  `json:"priority"`
	Tags        string    `json:"tags,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreatePayload carries the fields for a new task. Title is required.
type CreatePayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Tags        string   `json:"tags,omitempty"`
}

// UpdatePayload carries a partial field set; nil fields are left untouched.
type UpdatePayload struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	DueDate     *string   `json:"dueDate,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Tags        *string   `json:"tags,omitempty"`
}

// ApplyTo merges the non-nil fields of p into t and bumps UpdatedAt.
func (p UpdatePayload) ApplyTo(t Task, now time.Time) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.Priority != nil && p.Priority.Valid() {
		t.Priority = *p.Priority
	}
	if p.Tags != nil {
		t.Tags = *p.Tags
	}
	t.UpdatedAt = now
	return t
}

// CloneTasks returns an independent copy of the slice so cache snapshots
// cannot be aliased by callers.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}
