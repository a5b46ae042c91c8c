// Package ratelimit содержит счётчики запросов в фиксированном временном окне.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter считает запросы в Redis и потому общий для всех экземпляров сервиса.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter создаёт ограничитель на limit запросов за window.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Allow увеличивает счётчик ключа в текущем окне и сообщает, не превышен ли лимит.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowStart := l.now().Truncate(l.window).Unix()
	redisKey := fmt.Sprintf("%s:{%s}:%s", l.prefix, key, strconv.FormatInt(windowStart, 10))

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}

	return incr.Val() <= l.limit, nil
}

// MemoryLimiter хранит счётчики в памяти процесса. При нескольких экземплярах
// сервиса лимит действует на каждый экземпляр отдельно.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	start time.Time
	count int
}

// NewMemoryLimiter создаёт ограничитель на limit запросов за window в памяти процесса.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*memoryWindow),
	}
}

// Allow увеличивает счётчик ключа в текущем окне и сообщает, не превышен ли лимит.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.now().Truncate(l.window)

	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		l.evictExpired(start)
		w = &memoryWindow{start: start}
		l.windows[key] = w
	}

	w.count++
	return w.count <= l.limit, nil
}

func (l *MemoryLimiter) evictExpired(current time.Time) {
	for k, w := range l.windows {
		if w.start.Before(current) {
			delete(l.windows, k)
		}
	}
}
