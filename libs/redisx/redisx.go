// Package redisx builds the shared Redis client from the environment.
package redisx

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/eventpipe/libs/config"
)

// FromEnv returns a client for REDIS_ADDR, or nil when it is unset.
func FromEnv() (*redis.Client, error) {
	addr := strings.TrimSpace(config.String("REDIS_ADDR", ""))
	if addr == "" {
		return nil, nil
	}
	redisDB, err := config.Int("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       redisDB,
	}), nil
}

func ReadyCheck(rdb redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
