package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker is a best-effort lease used to elect one replica per tick.
type RedisLocker struct {
	rdb   *redis.Client
	owner string
}

// NewRedisLocker creates a locker identifying itself as owner.
func NewRedisLocker(rdb *redis.Client, owner string) *RedisLocker {
	return &RedisLocker{rdb: rdb, owner: owner}
}

// TryLock acquires key for ttl. It returns false when another owner holds it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, key, l.owner, ttl).Result()
}
