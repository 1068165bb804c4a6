package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) error {
	cli := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	client = cli
	return nil
}

func Client() *redis.Client {
	return client
}

func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
