package listener

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease elects one replica per tick
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLease holds the tick lease with SET NX PX. The key simply expires; a
// replica that holds it longer than one tick would only delay the next one.
type RedisLease struct {
	client *redis.Client
	owner  string
}

func NewRedisLease(client *redis.Client) *RedisLease {
	host, _ := os.Hostname()
	return &RedisLease{
		client: client,
		owner:  fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

func (r *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	held, err := r.client.SetNX(ctx, key, r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return held, nil
}
