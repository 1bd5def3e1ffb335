// Package controller applies the optimistic-update protocol uniformly across
// task mutations: cancel in-flight reads, snapshot, edit the cache, call the
// remote API, then either invalidate for reconciliation or roll back to the
// snapshot. Every path resolves; the cache is never left optimistic.
package controller

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/cache"
	"tasksync/client"
	"tasksync/domain"
	"tasksync/session"
)

// TasksAPI is the remote call surface the controller mutates through.
// *client.Client satisfies it.
type TasksAPI interface {
	List(ctx context.Context, filter domain.Filter) ([]domain.Task, error)
	Create(ctx context.Context, payload domain.CreatePayload) (domain.Task, error)
	Update(ctx context.Context, id string, payload domain.UpdatePayload) (domain.Task, error)
	ToggleComplete(ctx context.Context, id string) (domain.Task, error)
	Delete(ctx context.Context, id string) error
}

// UserSource yields the owner of the current cache partitions. The session
// store satisfies this; an empty user id means no session.
type UserSource interface {
	UserID() string
}

// Controller is the sole writer of the cache. UI code calls its mutation
// entry points and subscribes to reads; it never touches the cache directly.
type Controller struct {
	api    TasksAPI
	cache  *cache.Cache
	user   UserSource
	now    func() time.Time
	logger *log.Logger
}

// partitionOrder fixes the order optimistic edits are applied in, so stacked
// failures unwind deterministically (LIFO per partition list).
var partitionOrder = []domain.Filter{domain.FilterAll, domain.FilterPending, domain.FilterCompleted}

// New creates a Controller. logger may be nil.
func New(api TasksAPI, store *cache.Cache, user UserSource, logger *log.Logger) *Controller {
	if api == nil || store == nil || user == nil {
		panic("controller.New: api, cache and user source are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{api: api, cache: store, user: user, now: time.Now, logger: logger}
}

// Bind assembles the full client stack: the controller reads the partition
// owner from sessions, and the cache is emptied at every session boundary so
// no task from a previous user survives into the next session.
func Bind(api TasksAPI, store *cache.Cache, sessions *session.Store, logger *log.Logger) *Controller {
	if sessions == nil {
		panic("controller.Bind: session store is required")
	}
	sessions.OnSessionChange(store.Clear)
	return New(api, store, sessions, logger)
}

// List reads the collection for filter, serving a cache hit or fetching
// through on a miss.
func (c *Controller) List(ctx context.Context, filter domain.Filter) ([]domain.Task, error) {
	if !filter.Valid() {
		filter = domain.FilterAll
	}
	return c.cache.GetOrFetch(ctx, cache.Key{UserID: c.user.UserID(), Filter: filter})
}

// Subscribe registers for updates to the current user's partition for filter.
func (c *Controller) Subscribe(filter domain.Filter) (<-chan cache.Update, func()) {
	return c.cache.Subscribe(cache.Key{UserID: c.user.UserID(), Filter: filter})
}

// Create inserts a placeholder task optimistically and posts the payload.
// On success the affected partitions reconcile with the server-assigned
// record; on failure the placeholder disappears and the error is returned.
func (c *Controller) Create(ctx context.Context, payload domain.CreatePayload) error {
	if strings.TrimSpace(payload.Title) == "" {
		return client.ErrEmptyTitle
	}
	now := c.now().UTC()
	placeholder := domain.Task{
		ID:          domain.PlaceholderID,
		Title:       payload.Title,
		Description: payload.Description,
		DueDate:     payload.DueDate,
		Priority:    payload.Priority,
		Tags:        payload.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !placeholder.Priority.Valid() {
		placeholder.Priority = domain.PriorityMedium
	}

	insert := func(tasks []domain.Task) []domain.Task {
		return append(tasks, placeholder)
	}
	edits := map[domain.Filter]func([]domain.Task) []domain.Task{
		domain.FilterAll:     insert,
		domain.FilterPending: insert,
	}
	return c.mutate(ctx, "create", edits, func(ctx context.Context) error {
		_, err := c.api.Create(ctx, payload)
		return err
	})
}

// Update rewrites the matching task in place with the partial payload.
func (c *Controller) Update(ctx context.Context, id string, payload domain.UpdatePayload) error {
	if id == "" {
		return client.ErrMissingID
	}
	now := c.now().UTC()
	replace := func(tasks []domain.Task) []domain.Task {
		for i, t := range tasks {
			if t.ID == id {
				tasks[i] = payload.ApplyTo(t, now)
			}
		}
		return tasks
	}
	edits := map[domain.Filter]func([]domain.Task) []domain.Task{
		domain.FilterAll:       replace,
		domain.FilterPending:   replace,
		domain.FilterCompleted: replace,
	}
	return c.mutate(ctx, "update", edits, func(ctx context.Context) error {
		_, err := c.api.Update(ctx, id, payload)
		return err
	})
}

// ToggleComplete inverts the task's current completion state locally, never
// a caller-supplied target, matching the server's unconditional flip. A task
// that leaves its filter's partition is removed from it.
func (c *Controller) ToggleComplete(ctx context.Context, id string) error {
	if id == "" {
		return client.ErrMissingID
	}
	now := c.now().UTC()
	edits := make(map[domain.Filter]func([]domain.Task) []domain.Task, len(partitionOrder))
	for _, filter := range partitionOrder {
		f := filter
		edits[f] = func(tasks []domain.Task) []domain.Task {
			out := tasks[:0]
			for _, t := range tasks {
				if t.ID == id {
					t.Completed = !t.Completed
					t.UpdatedAt = now
					if !f.Matches(t.Completed) {
						continue
					}
				}
				out = append(out, t)
			}
			return out
		}
	}
	return c.mutate(ctx, "toggle", edits, func(ctx context.Context) error {
		_, err := c.api.ToggleComplete(ctx, id)
		return err
	})
}

// Delete filters the task out of every partition and issues the remote
// delete.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if id == "" {
		return client.ErrMissingID
	}
	remove := func(tasks []domain.Task) []domain.Task {
		out := tasks[:0]
		for _, t := range tasks {
			if t.ID != id {
				out = append(out, t)
			}
		}
		return out
	}
	edits := map[domain.Filter]func([]domain.Task) []domain.Task{
		domain.FilterAll:       remove,
		domain.FilterPending:   remove,
		domain.FilterCompleted: remove,
	}
	return c.mutate(ctx, "delete", edits, func(ctx context.Context) error {
		return c.api.Delete(ctx, id)
	})
}

// mutate runs one mutation through the state machine. Only partitions that
// already hold a snapshot are edited: an uncached partition has nothing to
// show optimistically and reconciles on its first read anyway. Failures are
// reported exactly once and never retried here.
func (c *Controller) mutate(ctx context.Context, op string, edits map[domain.Filter]func([]domain.Task) []domain.Task, call func(context.Context) error) error {
	user := c.user.UserID()
	snaps := make([]cache.Snapshot, 0, len(edits))
	for _, filter := range partitionOrder {
		edit, ok := edits[filter]
		if !ok {
			continue
		}
		key := cache.Key{UserID: user, Filter: filter}
		if !c.cache.Has(key) {
			continue
		}
		snaps = append(snaps, c.cache.ApplyOptimistic(key, edit))
	}

	if err := call(ctx); err != nil {
		for i := len(snaps) - 1; i >= 0; i-- {
			c.cache.Rollback(snaps[i])
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"op":   op,
			"user": user,
		}).Warn("tasks.mutation.rolled_back")
		return err
	}

	for _, snap := range snaps {
		c.cache.Confirm(snap.Key())
	}
	return nil
}
