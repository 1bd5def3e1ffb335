package cache

import (
	"context"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tasksync/domain"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, ttl, nil), mr
}

func TestRedisStoreSaveLoadRoundtrip(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	key := Key{UserID: "u1", Filter: domain.FilterAll}
	tasks := []domain.Task{{ID: "1", Title: "A", Priority: domain.PriorityHigh}}

	store.Save(ctx, key, tasks)
	if ttl := mr.TTL(redisKey(key)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	loaded, ok := store.Load(ctx, key)
	if !ok {
		t.Fatal("expected stored snapshot")
	}
	if !reflect.DeepEqual(loaded, tasks) {
		t.Fatalf("unexpected snapshot: %#v", loaded)
	}
}

func TestRedisStoreLoadMissAndCorruption(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	key := Key{UserID: "u1", Filter: domain.FilterPending}

	if _, ok := store.Load(ctx, key); ok {
		t.Fatal("expected miss for absent key")
	}

	if err := mr.Set(redisKey(key), "not json"); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}
	if _, ok := store.Load(ctx, key); ok {
		t.Fatal("corrupt entry must be a miss")
	}
	if mr.Exists(redisKey(key)) {
		t.Fatal("corrupt entry must be deleted")
	}
}

func TestRedisStoreClearRemovesAllSnapshots(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	keys := []Key{
		{UserID: "u1", Filter: domain.FilterAll},
		{UserID: "u1", Filter: domain.FilterPending},
		{UserID: "u2", Filter: domain.FilterAll},
	}
	for _, key := range keys {
		store.Save(ctx, key, []domain.Task{{ID: "1"}})
	}

	store.Clear(ctx)
	for _, key := range keys {
		if mr.Exists(redisKey(key)) {
			t.Fatalf("key %v should be gone after clear", key)
		}
	}
}

func TestCacheSeedsFromSharedStoreWithoutFetching(t *testing.T) {
	store, _ := newRedisStore(t, time.Minute)
	ctx := context.Background()
	key := Key{UserID: "u1", Filter: domain.FilterAll}
	shared := []domain.Task{{ID: "1", Title: "from redis"}}
	store.Save(ctx, key, shared)

	fetcher := &stubFetcher{}
	c := newTestCache(t, fetcher, Options{Shared: store})

	tasks, err := c.GetOrFetch(ctx, key)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !reflect.DeepEqual(tasks, shared) {
		t.Fatalf("expected shared snapshot, got %#v", tasks)
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("shared hit should avoid the fetcher, calls=%d", fetcher.callCount())
	}
}

func TestInvalidateDeletesSharedSnapshot(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	key := Key{UserID: "u1", Filter: domain.FilterAll}

	fetcher := &stubFetcher{listFn: func(context.Context, domain.Filter) ([]domain.Task, error) {
		return []domain.Task{{ID: "1", Title: "A"}}, nil
	}}
	c := newTestCache(t, fetcher, Options{Shared: store})

	if _, err := c.GetOrFetch(context.Background(), key); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !mr.Exists(redisKey(key)) {
		t.Fatal("confirmed fetch should write through to the shared store")
	}

	c.Invalidate(key)
	if mr.Exists(redisKey(key)) {
		t.Fatal("invalidate should delete the shared snapshot")
	}
}
