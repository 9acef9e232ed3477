package infra

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects the idempotency and rate limit cache. Commands honour the
// caller's context deadline, so a slow cache cannot hold a withdrawal request open.
func NewRedisClient(ctx context.Context, url, clientName string) (*redis.Client, error) {
	opt, err := redisOptions(url, clientName)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func redisOptions(url, clientName string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.ClientName == "" {
		opt.ClientName = clientName
	}
	opt.ContextTimeoutEnabled = true
	return opt, nil
}
