package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sessionLockTTL = 10 * time.Minute

// Locker guarantees a single pipeline per session at a time.
type Locker interface {
	Acquire(ctx context.Context, sessionID uuid.UUID) (bool, error)
	Release(ctx context.Context, sessionID uuid.UUID)
}

type RedisLocker struct {
	redis *redis.Client
}

func NewRedisLocker(redisClient *redis.Client) *RedisLocker {
	return &RedisLocker{redis: redisClient}
}

func sessionLockKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session_lock:%s", sessionID.String())
}

func (l *RedisLocker) Acquire(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	return l.redis.SetNX(ctx, sessionLockKey(sessionID), "1", sessionLockTTL).Result()
}

func (l *RedisLocker) Release(ctx context.Context, sessionID uuid.UUID) {
	l.redis.Del(ctx, sessionLockKey(sessionID))
}

type MemoryLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[uuid.UUID]struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[sessionID]; ok {
		return false, nil
	}
	l.held[sessionID] = struct{}{}
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, sessionID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}
