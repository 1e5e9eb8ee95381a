package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisInfo struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and pings. The caller owns Close.
func NewRedis(ctx context.Context, info RedisInfo) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     info.Addr,
		Password: info.Password,
		DB:       info.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: redis ping %s: %w", info.Addr, err)
	}
	return client, nil
}
