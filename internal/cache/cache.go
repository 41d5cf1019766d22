package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobView(ctx context.Context, view models.JobView, ttl time.Duration) error
	GetJobView(ctx context.Context, jobID uuid.UUID) (models.JobView, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
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

func (c *RedisCache) SetJobView(ctx context.Context, view models.JobView, ttl time.Duration) error {
	b, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode job view: %w", err)
	}
	return c.client.Set(ctx, JobViewKey(view.JobID), b, ttl).Err()
}

func (c *RedisCache) GetJobView(ctx context.Context, jobID uuid.UUID) (models.JobView, bool, error) {
	b, found, err := c.Get(ctx, JobViewKey(jobID))
	if err != nil || !found {
		return models.JobView{}, false, err
	}
	var view models.JobView
	if err := json.Unmarshal(b, &view); err != nil {
		return models.JobView{}, false, fmt.Errorf("decode job view: %w", err)
	}
	return view, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
