package ratelimit

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenancy/internal/config"
	"go.uber.org/fx"
)

// NewRedisClient returns nil when Redis is disabled. Callers treat a nil
// client as "no distributed lock, no rate limit".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	return client, nil
}
