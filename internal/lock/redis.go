package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const keyOrderLock = "paygate:lock:order:%s"

// RedisLocker — блокировка по ключу, общая для нескольких экземпляров сервиса.
// Локальный KeyedMutex не даёт горутинам одного процесса опрашивать Redis впустую.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	local  *KeyedMutex
	logger *zap.Logger

	ttl   time.Duration
	retry time.Duration
}

// NewRedisLocker создаёт блокировку поверх клиента Redis.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(releaseScript),
		local:  NewKeyedMutex(),
		logger: logger.Named("lock"),
		ttl:    ttl,
		retry:  25 * time.Millisecond,
	}
}

// NewRedisClient создаёт клиент Redis с короткими таймаутами.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Lock захватывает ключ в Redis, повторяя SETNX до успеха или отмены контекста.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}

	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := fmt.Sprintf(keyOrderLock, key)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			unlockLocal()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// Освобождение не должно зависеть от отменённого контекста запроса.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := l.script.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("release lock failed", zap.String("key", key), zap.Error(err))
		}
		unlockLocal()
	}, nil
}
