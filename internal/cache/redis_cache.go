package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"colosso/backend/internal/domain"
)

const dashboardKeyPrefix = "dashboard:"

type RedisReportCache struct {
	client *redis.Client
}

func NewRedisReportCache(addr string, password string, db int) *RedisReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReportCache{client: client}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisReportCache) Get(ctx context.Context, section string) (*domain.DashboardResponse, bool, error) {
	val, err := c.client.Get(ctx, dashboardKeyPrefix+section).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.DashboardResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisReportCache) Set(ctx context.Context, section string, value *domain.DashboardResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, dashboardKeyPrefix+section, payload, ttl).Err()
}

func (c *RedisReportCache) Invalidate(ctx context.Context) error {
	keys := []string{
		dashboardKeyPrefix + domain.SectionAll,
		dashboardKeyPrefix + domain.SectionNew,
		dashboardKeyPrefix + domain.SectionUsed,
	}
	return c.client.Del(ctx, keys...).Err()
}
