package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/db"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) *Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{
			Addr: redisURL,
		}
	}

	return &Client{redis.NewClient(opt)}
}

func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.Set(ctx, key, data, expiration).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// MonitorLoader is the source of truth behind MonitorCache.
type MonitorLoader interface {
	GetMonitor(ctx context.Context, id int64) (*db.Monitor, error)
}

// MonitorCache keeps monitor configuration in Redis for a short TTL.
// Cache failures fall through to the loader.
type MonitorCache struct {
	client *Client
	loader MonitorLoader
	ttl    time.Duration
	logger *zap.Logger
}

func NewMonitorCache(client *Client, loader MonitorLoader, ttl time.Duration, logger *zap.Logger) *MonitorCache {
	return &MonitorCache{client: client, loader: loader, ttl: ttl, logger: logger}
}

func monitorKey(id int64) string {
	return fmt.Sprintf("monitor:config:%d", id)
}

func (c *MonitorCache) GetMonitor(ctx context.Context, id int64) (*db.Monitor, error) {
	var cached db.Monitor
	err := c.client.GetJSON(ctx, monitorKey(id), &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn("Monitor cache read failed", zap.Int64("monitor_id", id), zap.Error(err))
	}

	monitor, err := c.loader.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.ttl > 0 {
		if err := c.client.SetJSON(ctx, monitorKey(id), monitor, c.ttl); err != nil {
			c.logger.Warn("Monitor cache write failed", zap.Int64("monitor_id", id), zap.Error(err))
		}
	}
	return monitor, nil
}

// Invalidate drops the cached configuration of a monitor.
func (c *MonitorCache) Invalidate(ctx context.Context, id int64) error {
	return c.client.Del(ctx, monitorKey(id)).Err()
}
