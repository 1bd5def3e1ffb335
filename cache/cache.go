package cache

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// Key addresses one collection snapshot. Every cached task belongs to exactly
// one (user, filter) partition; partitions are never shared across users.
type Key struct {
	UserID string
	Filter domain.Filter
}

// Fetcher loads the authoritative collection for a filter. The remote task
// client satisfies this.
type Fetcher interface {
	List(ctx context.Context, filter domain.Filter) ([]domain.Task, error)
}

// Update is delivered to subscribers whenever a partition changes. Exactly
// one of Tasks or Err is meaningful: Err carries a refetch failure after
// retry exhaustion, in which case the last good snapshot is still readable.
type Update struct {
	Tasks []domain.Task
	Err   error
}

// ErrClosed is returned by reads against a closed cache.
var ErrClosed = errors.New("cache is closed")

// Options tune freshness, eviction and refetch behavior. Zero values pick
// the defaults below.
type Options struct {
	// FreshFor is the staleness window: reads younger than this are served
	// without revalidation.
	FreshFor time.Duration
	// EvictAfter is how long an unread, unsubscribed entry survives.
	EvictAfter time.Duration
	// MaxRetries bounds background refetch retries after the first attempt.
	MaxRetries int
	// RetryInitial and RetryMax shape the backoff between refetch retries.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// JanitorInterval is how often eviction runs.
	JanitorInterval time.Duration
	// Shared is an optional cross-process snapshot store (Redis). Only
	// server-confirmed snapshots are written through; optimistic state
	// stays local.
	Shared Store
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.FreshFor <= 0 {
		o.FreshFor = 30 * time.Second
	}
	if o.EvictAfter <= 0 {
		o.EvictAfter = 5 * time.Minute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Minute
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	return o
}

// Cache holds the last known task collection per (user, filter) key with
// stale-while-revalidate reads and eviction of unused entries. It is an
// injectable object with an explicit lifecycle: create one per process,
// Clear it at session boundaries, Close it on shutdown.
type Cache struct {
	fetcher Fetcher
	opts    Options
	now     func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
	stopCh  chan struct{}
}

type entry struct {
	tasks      []domain.Task
	hasValue   bool
	fetchedAt  time.Time
	lastAccess time.Time
	lastErr    error

	subs      map[uint64]chan Update
	nextSubID uint64

	// fetchCancel is non-nil while a fetch for this key is in flight.
	// fetchGen increments on every cancel so a late response is dropped
	// instead of applied.
	fetchCancel context.CancelFunc
	fetchGen    uint64

	// mutating counts unresolved optimistic mutations. While positive no
	// refetch may start, so a late read can never clobber optimistic state.
	mutating int
}

// New creates a Cache reading through fetcher and starts the eviction loop.
func New(fetcher Fetcher, opts Options) *Cache {
	if fetcher == nil {
		panic("cache.New: fetcher is nil")
	}
	c := &Cache{
		fetcher: fetcher,
		opts:    opts.withDefaults(),
		now:     time.Now,
		entries: make(map[Key]*entry),
		stopCh:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the cached collection for key, if any. A stale hit is still
// returned immediately while a background refetch revalidates it.
func (c *Cache) Get(key Key) ([]domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil || !e.hasValue {
		return nil, false
	}
	e.lastAccess = c.now()
	c.revalidateIfStaleLocked(key, e)
	return domain.CloneTasks(e.tasks), true
}

// Has reports whether key currently holds a collection snapshot.
func (c *Cache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	return e != nil && e.hasValue
}

// GetOrFetch returns the cached collection or performs a blocking fetch on a
// miss. The foreground fetch is cancellable by key; when a mutation cancels
// it, the fetched result is dropped and the current local state is returned
// instead.
func (c *Cache) GetOrFetch(ctx context.Context, key Key) ([]domain.Task, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.entries[key]
	if e != nil && e.hasValue {
		e.lastAccess = c.now()
		c.revalidateIfStaleLocked(key, e)
		tasks := domain.CloneTasks(e.tasks)
		c.mu.Unlock()
		return tasks, nil
	}
	if e == nil {
		e = c.newEntryLocked(key)
	}

	if c.opts.Shared != nil {
		if tasks, ok := c.opts.Shared.Load(ctx, key); ok {
			c.setLocked(key, e, tasks, false)
			out := domain.CloneTasks(e.tasks)
			c.mu.Unlock()
			return out, nil
		}
	}

	fctx, cancel := context.WithCancel(ctx)
	c.cancelInFlightLocked(e)
	gen := e.fetchGen
	e.fetchCancel = cancel
	c.mu.Unlock()

	tasks, err := c.fetcher.List(fctx, key.Filter)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.entries[key]
	if cur == nil || cur.fetchGen != gen {
		// Cancelled mid-flight. The locally applied state, when present,
		// wins over the late response.
		if cur != nil && cur.hasValue {
			return domain.CloneTasks(cur.tasks), nil
		}
		return nil, context.Canceled
	}
	cur.fetchCancel = nil
	if err != nil {
		cur.lastErr = err
		return nil, err
	}
	c.setLocked(key, cur, tasks, true)
	c.notifyLocked(cur, Update{Tasks: domain.CloneTasks(cur.tasks)})
	return domain.CloneTasks(cur.tasks), nil
}

// Snapshot is the pre-flight state captured by ApplyOptimistic. Rollback
// restores it exactly.
type Snapshot struct {
	key     Key
	tasks   []domain.Task
	existed bool
}

// Tasks returns the captured collection.
func (s Snapshot) Tasks() []domain.Task { return domain.CloneTasks(s.tasks) }

// Key returns the partition the snapshot belongs to.
func (s Snapshot) Key() Key { return s.key }

// ApplyOptimistic atomically cancels any in-flight fetch for key, captures
// the current state, rewrites the partition with edit and makes the result
// visible to all readers. The mutation stays unresolved until Confirm or
// Rollback is called with the returned snapshot's key.
func (c *Cache) ApplyOptimistic(key Key, edit func([]domain.Task) []domain.Task) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		e = c.newEntryLocked(key)
	}
	c.cancelInFlightLocked(e)

	snap := Snapshot{key: key, tasks: domain.CloneTasks(e.tasks), existed: e.hasValue}
	e.tasks = edit(domain.CloneTasks(e.tasks))
	e.hasValue = true
	e.lastAccess = c.now()
	e.mutating++
	c.notifyLocked(e, Update{Tasks: domain.CloneTasks(e.tasks)})
	return snap
}

// Confirm resolves a successful mutation: the snapshot is discarded and the
// partition is invalidated so the next read reconciles with server truth.
func (c *Cache) Confirm(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return
	}
	if e.mutating > 0 {
		e.mutating--
	}
	c.invalidateLocked(key, e)
}

// Rollback resolves a failed mutation by restoring the pre-flight snapshot
// as a full overwrite. The partition is left stale so the next read
// converges back toward server truth.
func (c *Cache) Rollback(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[snap.key]
	if e == nil {
		return
	}
	if e.mutating > 0 {
		e.mutating--
	}
	e.tasks = domain.CloneTasks(snap.tasks)
	e.hasValue = snap.existed
	e.fetchedAt = time.Time{}
	if !snap.existed && e.mutating == 0 && len(e.subs) == 0 {
		delete(c.entries, snap.key)
		return
	}
	c.notifyLocked(e, Update{Tasks: domain.CloneTasks(e.tasks)})
}

// Invalidate marks the partition stale and, when it has subscribers,
// schedules an immediate refetch.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return
	}
	c.invalidateLocked(key, e)
}

// CancelInFlight aborts the in-progress fetch for key, if any. Cancellation
// is best-effort: an already-resolved response is dropped silently.
func (c *Cache) CancelInFlight(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[key]; e != nil {
		c.cancelInFlightLocked(e)
	}
}

// Subscribe registers a read-only subscriber for key. Updates are dropped
// rather than blocking when the subscriber falls behind. The returned func
// unsubscribes; the channel is closed on unsubscribe and on Clear.
func (c *Cache) Subscribe(key Key) (<-chan Update, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		e = c.newEntryLocked(key)
	}
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan Update, 8)
	e.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cur := c.entries[key]
		if cur == nil {
			return
		}
		if sub, ok := cur.subs[id]; ok {
			delete(cur.subs, id)
			close(sub)
		}
	}
}

// Clear drops every entry and cancels all in-flight fetches. It must be
// called at session boundaries so no task from a previous user survives into
// the next session.
func (c *Cache) Clear() {
	c.mu.Lock()
	for _, e := range c.entries {
		c.cancelInFlightLocked(e)
		for id, ch := range e.subs {
			delete(e.subs, id)
			close(ch)
		}
	}
	c.entries = make(map[Key]*entry)
	shared := c.opts.Shared
	c.mu.Unlock()

	if shared != nil {
		shared.Clear(context.Background())
	}
}

// Close clears the cache and stops the eviction loop.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stopCh)
	c.mu.Unlock()
	c.Clear()
}

func (c *Cache) newEntryLocked(key Key) *entry {
	e := &entry{
		subs:       make(map[uint64]chan Update),
		lastAccess: c.now(),
	}
	c.entries[key] = e
	return e
}

// setLocked installs a server-confirmed snapshot.
func (c *Cache) setLocked(key Key, e *entry, tasks []domain.Task, writeThrough bool) {
	e.tasks = domain.CloneTasks(tasks)
	e.hasValue = true
	e.fetchedAt = c.now()
	e.lastAccess = e.fetchedAt
	e.lastErr = nil
	e.fetchCancel = nil
	if writeThrough && c.opts.Shared != nil {
		c.opts.Shared.Save(context.Background(), key, e.tasks)
	}
}

func (c *Cache) cancelInFlightLocked(e *entry) {
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	e.fetchGen++
}

func (c *Cache) invalidateLocked(key Key, e *entry) {
	e.fetchedAt = time.Time{}
	if c.opts.Shared != nil {
		c.opts.Shared.Delete(context.Background(), key)
	}
	if e.mutating == 0 && len(e.subs) > 0 && e.fetchCancel == nil {
		c.startRefetchLocked(key, e)
	}
}

func (c *Cache) revalidateIfStaleLocked(key Key, e *entry) {
	if e.mutating > 0 || e.fetchCancel != nil {
		return
	}
	if c.now().Sub(e.fetchedAt) <= c.opts.FreshFor {
		return
	}
	c.startRefetchLocked(key, e)
}

func (c *Cache) startRefetchLocked(key Key, e *entry) {
	fctx, cancel := context.WithCancel(context.Background())
	e.fetchGen++
	gen := e.fetchGen
	e.fetchCancel = cancel
	go func() {
		defer cancel()
		c.refetch(fctx, key, gen)
	}()
}

// refetch revalidates a partition in the background with bounded retries.
// After exhausting retries the error is surfaced to subscribers and the last
// good snapshot is kept.
func (c *Cache) refetch(ctx context.Context, key Key, gen uint64) {
	var lastErr error
	delay := c.opts.RetryInitial
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(withJitter(delay)):
			case <-ctx.Done():
				return
			}
			if delay *= 2; delay > c.opts.RetryMax {
				delay = c.opts.RetryMax
			}
		}

		tasks, err := c.fetcher.List(ctx, key.Filter)
		if err == nil {
			c.mu.Lock()
			e := c.entries[key]
			if e == nil || e.fetchGen != gen {
				c.mu.Unlock()
				return
			}
			c.setLocked(key, e, tasks, true)
			c.notifyLocked(e, Update{Tasks: domain.CloneTasks(e.tasks)})
			c.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		c.opts.Logger.WithError(err).WithFields(log.Fields{
			"user":    key.UserID,
			"filter":  key.Filter,
			"attempt": attempt,
		}).Debug("cache.refetch.attempt_failed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil || e.fetchGen != gen {
		return
	}
	e.fetchCancel = nil
	e.lastErr = lastErr
	c.notifyLocked(e, Update{Err: lastErr})
	c.opts.Logger.WithError(lastErr).WithFields(log.Fields{
		"user":   key.UserID,
		"filter": key.Filter,
	}).Warn("cache.refetch.exhausted")
}

// withJitter spreads a retry delay +/-20% so stale readers do not revalidate
// in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration((rand.Float64()-0.5)*0.4*float64(d))
}

func (c *Cache) notifyLocked(e *entry, u Update) {
	for _, ch := range e.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(c.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if len(e.subs) > 0 || e.mutating > 0 || e.fetchCancel != nil {
			continue
		}
		if now.Sub(e.lastAccess) > c.opts.EvictAfter {
			delete(c.entries, key)
		}
	}
}
