package distribution

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLocalLock(t *testing.T) {
	var lock LocalLock
	ctx := context.Background()

	release, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, release(ctx))
	release, ok, err = lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, release(ctx))
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis lock test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	key := "test:distribution:" + uuid.NewString()
	a := NewRedisLock(client, key, 300*time.Millisecond)
	b := NewRedisLock(client, key, time.Minute)

	release, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(time.Second)
	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok, "holder lost the lock past its ttl")

	require.NoError(t, release(ctx))
	release, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, release(ctx))
}

func TestKeepAliveRefreshesUntilStopped(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, time.Millisecond, func() (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return false, errors.New("connection reset")
			}
			return true, nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, time.Millisecond)

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("keepAlive did not stop")
	}
}

func TestKeepAliveStopsWhenLockLost(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(make(chan struct{}), time.Millisecond, func() (bool, error) { return false, nil })
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("keepAlive kept running after the lock was lost")
	}
}
