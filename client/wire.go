package client

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"tasksync/domain"
)

var errMissingTaskID = errors.New("task entity is missing an id")

// wireID tolerates servers that emit numeric or string identifiers.
type wireID string

func (w *wireID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := sonic.ConfigStd.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = wireID(s)
		return nil
	}
	var n int64
	if err := sonic.ConfigStd.Unmarshal(data, &n); err != nil {
		return err
	}
	*w = wireID(strconv.FormatInt(n, 10))
	return nil
}

// wireTask is the snake_case shape the remote API speaks.
type wireTask struct {
	ID          wireID `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Priority    string `json:"priority"`
	Tags        string `json:"tags"`
	Completed   bool   `json:"completed"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// normalize maps a wire entity into the client task shape. Unknown priority
// values default to medium and unparseable timestamps become the zero time;
// an entity without an id is rejected.
func (w wireTask) normalize() (domain.Task, error) {
	if w.ID == "" {
		return domain.Task{}, errMissingTaskID
	}
	priority := domain.Priority(w.Priority)
	if !priority.Valid() {
		priority = domain.PriorityMedium
	}
	return domain.Task{
		ID:          string(w.ID),
		Title:       w.Title,
		Description: w.Description,
		DueDate:     w.DueDate,
		Priority:    priority,
		Tags:        w.Tags,
		Completed:   w.Completed,
		CreatedAt:   parseWireTime(w.CreatedAt),
		UpdatedAt:   parseWireTime(w.UpdatedAt),
	}, nil
}

func normalizeTasks(entities []wireTask) ([]domain.Task, error) {
	tasks := make([]domain.Task, 0, len(entities))
	for i, ent := range entities {
		task, err := ent.normalize()
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func parseWireTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

type wireCreatePayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Tags        string `json:"tags,omitempty"`
}

type wireUpdatePayload struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Tags        *string `json:"tags,omitempty"`
}

func toWireCreate(p domain.CreatePayload) wireCreatePayload {
	priority := p.Priority
	if priority != "" && !priority.Valid() {
		priority = domain.PriorityMedium
	}
	return wireCreatePayload{
		Title:       p.Title,
		Description: p.Description,
		DueDate:     p.DueDate,
		Priority:    string(priority),
		Tags:        p.Tags,
	}
}

func toWireUpdate(p domain.UpdatePayload) wireUpdatePayload {
	out := wireUpdatePayload{
		Title:       p.Title,
		Description: p.Description,
		DueDate:     p.DueDate,
		Tags:        p.Tags,
	}
	if p.Priority != nil {
		s := string(*p.Priority)
		out.Priority = &s
	}
	return out
}
