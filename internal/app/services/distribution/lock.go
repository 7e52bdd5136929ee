package distribution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RoundLock guarantees a single running round. TryAcquire reports false
// when another holder owns the lock.
type RoundLock interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// LocalLock serialises rounds inside one process.
type LocalLock struct {
	mu sync.Mutex
}

func (l *LocalLock) TryAcquire(context.Context) (func(context.Context) error, bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.mu.Unlock()
		return nil
	}, true, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key's TTL only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock serialises round scheduling across instances sharing one Redis.
// The holder refreshes the TTL every third of it until release, so a round
// longer than the TTL keeps the lock.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisLock returns a lock on key. The TTL bounds how long a crashed
// holder blocks other instances and defaults to one minute.
func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = "token-economy:distribution-round"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) TryAcquire(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire round lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, l.ttl/3, func() (bool, error) {
			n, err := refreshScript.Run(context.Background(), l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			return n == 1, err
		})
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release round lock: %w", err)
		}
		return nil
	}, true, nil
}

// keepAlive calls extend every interval until stop is closed or extend
// reports that the lock is no longer held. Errors are retried on the next
// tick.
func keepAlive(stop <-chan struct{}, interval time.Duration, extend func() (bool, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			held, err := extend()
			if err == nil && !held {
				return
			}
		}
	}
}
