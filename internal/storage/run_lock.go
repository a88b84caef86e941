package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/logging"
)

// DefaultRunLockKey is the Redis key guarding harvest runs
const DefaultRunLockKey = "harvest:run:lock"

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock TTL only if it still holds our token
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RunLock is a run-level mutual exclusion lock held in Redis.
// The TTL bounds how long a crashed holder can block later runs; a live holder
// refreshes it every ttl/3 until release.
type RunLock struct {
	cache *RedisCache
	key   string
	ttl   time.Duration
}

// NewRunLock creates a run lock on the given key
func NewRunLock(cache *RedisCache, key string, ttl time.Duration) *RunLock {
	if key == "" {
		key = DefaultRunLockKey
	}
	return &RunLock{cache: cache, key: key, ttl: ttl}
}

// Acquire takes the lock or returns errors.ErrRunInProgress when another run holds it.
// The returned release func is safe to call once the holder is done.
func (l *RunLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.New().String()

	ok, err := l.cache.Client().SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, errors.NewDatabaseError("acquire run lock", err)
	}
	if !ok {
		return nil, errors.ErrRunInProgress
	}

	stop := l.heartbeat(ctx, token)

	release := func(ctx context.Context) error {
		stop()
		if err := releaseScript.Run(ctx, l.cache.Client(), []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release run lock: %w", err)
		}
		return nil
	}
	return release, nil
}

// heartbeat keeps extending the lock while token holds it. The returned func
// stops it and waits for the refresher to exit.
func (l *RunLock) heartbeat(ctx context.Context, token string) func() {
	if l.ttl <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := logging.FromContext(ctx).WithField("key", l.key)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				n, err := refreshScript.Run(hbCtx, l.cache.Client(), []string{l.key}, token, l.ttl.Milliseconds()).Int()
				switch {
				case hbCtx.Err() != nil:
					return
				case err != nil:
					// retried on the next tick while the key has TTL left
					logger.WithError(err).Warn("Failed to refresh run lock")
				case n == 0:
					logger.Warn("Run lock lost before release")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

// Held reports whether any run currently holds the lock
func (l *RunLock) Held(ctx context.Context) (bool, error) {
	n, err := l.cache.Client().Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
