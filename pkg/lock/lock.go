package lock

import (
	"context"
	"sync"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Locker 集群互斥原语："set-if-absent 带过期"。
// Acquire 返回 true 表示本节点在 ttl 窗口内独占 key。
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLocker 基于 Redis SETNX+EX 的实现，锁不需要显式释放，
// 过期即自动让出。
type RedisLocker struct {
	rdb *rd.Client
}

func NewRedisLocker(rdb *rd.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, key, time.Now().UnixNano(), ttl).Result()
}

// MemoryLocker 单进程内存实现，供测试和单机运行使用，
// 语义与 RedisLocker 一致（含过期）。
type MemoryLocker struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{expires: make(map[string]time.Time)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.expires[key] = now.Add(ttl)
	return true, nil
}
