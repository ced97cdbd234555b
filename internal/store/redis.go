package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSeenPrefix = "tradewatch:seen:"

// RedisSeen is a SeenStore kept in redis. A zero TTL keeps keys forever.
type RedisSeen struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSeen connects to addr and verifies the connection.
func NewRedisSeen(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisSeen, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisSeen{client: client, ttl: ttl}, nil
}

func (r *RedisSeen) HasSeen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, redisSeenPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *RedisSeen) MarkSeen(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisSeenPrefix+key, time.Now().UTC().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Close closes the redis client.
func (r *RedisSeen) Close() error {
	return r.client.Close()
}
