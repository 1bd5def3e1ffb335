package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// Store is an optional cross-process snapshot layer behind the in-memory
// cache. Implementations are best-effort: a failing store degrades to the
// backing fetcher, it never fails a read.
type Store interface {
	Load(ctx context.Context, key Key) ([]domain.Task, bool)
	Save(ctx context.Context, key Key, tasks []domain.Task)
	Delete(ctx context.Context, key Key)
	Clear(ctx context.Context)
}

// RedisStore keeps confirmed snapshots in Redis with a TTL so multiple
// client processes share one reconciled view.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisStore creates a RedisStore using the provided client and TTL.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisStore {
	if client == nil {
		panic("cache.NewRedisStore: redis client is nil")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

const redisKeyPrefix = "tasks:"

func redisKey(key Key) string {
	return redisKeyPrefix + key.UserID + ":" + string(key.Filter)
}

// Load returns the stored snapshot for key. Corrupt entries are deleted and
// reported as a miss so the caller falls back to the fetcher.
func (s *RedisStore) Load(ctx context.Context, key Key) ([]domain.Task, bool) {
	data, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = s.client.Del(ctx, redisKey(key)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = s.client.Del(ctx, redisKey(key)).Err()
		return nil, false
	}
	return tasks, true
}

func (s *RedisStore) Save(ctx context.Context, key Key, tasks []domain.Task) {
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, redisKey(key), data, s.ttl).Err(); err != nil {
		s.logger.WithError(err).WithField("user", key.UserID).Debug("cache.redis.save_failed")
	}
}

func (s *RedisStore) Delete(ctx context.Context, key Key) {
	_, _ = s.client.Del(ctx, redisKey(key)).Result()
}

// Clear removes every stored snapshot. It runs at session boundaries, so a
// failure here is logged loudly: leftovers would leak across users.
func (s *RedisStore) Clear(ctx context.Context) {
	keys, err := s.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		s.logger.WithError(err).Error("cache.redis.clear_scan_failed")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.logger.WithError(err).Error("cache.redis.clear_failed")
	}
}
