package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/genwatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetSnapshot(ctx context.Context, rec models.StatusRecord, ttl time.Duration) error
	GetSnapshot(ctx context.Context, jobID string) (models.StatusRecord, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetSnapshot stores the latest observed record for a job.
func (c *RedisCache) SetSnapshot(ctx context.Context, rec models.StatusRecord, ttl time.Duration) error {
	if rec.ID == "" {
		return fmt.Errorf("snapshot without job id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", rec.ID, err)
	}
	return c.client.Set(ctx, SnapshotKey(rec.ID), body, ttl).Err()
}

// GetSnapshot returns the last stored record for a job, or found=false.
func (c *RedisCache) GetSnapshot(ctx context.Context, jobID string) (models.StatusRecord, bool, error) {
	body, found, err := c.Get(ctx, SnapshotKey(jobID))
	if err != nil || !found {
		return models.StatusRecord{}, false, err
	}
	var rec models.StatusRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return models.StatusRecord{}, false, fmt.Errorf("decode snapshot %s: %w", jobID, err)
	}
	return rec, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
