package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	logx "twsignals/pkg/logx"
)

const redisKeyPrefix = "twsignals:seen:"

// redisStore keeps seen keys in Redis with native TTL expiry, so multiple
// replicas behind one load balancer share a single dedup window.
type redisStore struct {
	rdb *redis.Client
	log logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Fail fast: persistence was explicitly configured, so a dead Redis is a
	// startup error, not something to discover on the first webhook.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisStore{rdb: rdb, log: log}, nil
}

func (s *redisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *redisStore) PutSeen(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.rdb == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, redisKeyPrefix+key, until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetSeen(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.rdb == nil {
		return time.Time{}, false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.rdb.Get(ctx, redisKeyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Sweep is a no-op: Redis expires seen keys natively via the per-key TTL.
func (s *redisStore) Sweep(ctx context.Context) (int, error) {
	_ = ctx
	return 0, nil
}
