package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"ms-auction/internal/bidding"
	"ms-auction/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a Redis client using miniredis for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		mr.Close()
		t.Fatalf("Failed to connect to miniredis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func newTestLock(client *redis.Client) *LotLock {
	lock := NewLotLock(client, 2*time.Second, logger.NewConsoleLogger(nil))
	lock.MaxWait = 200 * time.Millisecond
	return lock
}

func TestLockAndUnlock(t *testing.T) {
	client, mr := setupTestRedis(t)
	lock := newTestLock(client)
	ctx := context.Background()

	unlock, err := lock.Lock(ctx, "lot-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lot_lock:lot-1"))
	assert.Equal(t, 2*time.Second, mr.TTL("lot_lock:lot-1"))

	locked, err := lock.IsLocked(ctx, "lot-1")
	require.NoError(t, err)
	assert.True(t, locked)

	unlock()
	locked, err = lock.IsLocked(ctx, "lot-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockBusyUntilReleased(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := newTestLock(client)
	ctx := context.Background()

	unlock, err := lock.Lock(ctx, "lot-1")
	require.NoError(t, err)

	_, err = lock.Lock(ctx, "lot-1")
	assert.ErrorIs(t, err, ErrLockBusy)

	// Other lots are unaffected
	unlockOther, err := lock.Lock(ctx, "lot-2")
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlock, err = lock.Lock(ctx, "lot-1")
	require.NoError(t, err)
	unlock()
}

func TestLockWaitsForHolder(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := newTestLock(client)
	ctx := context.Background()

	unlock, err := lock.Lock(ctx, "lot-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		unlock()
	}()

	unlock2, err := lock.Lock(ctx, "lot-1")
	require.NoError(t, err)
	unlock2()
}

func TestUnlockIgnoresForeignToken(t *testing.T) {
	client, mr := setupTestRedis(t)
	lock := newTestLock(client)
	ctx := context.Background()

	token, ok, err := lock.TryLock(ctx, "lot-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Unlock(ctx, "lot-1", "someone-else"))
	assert.True(t, mr.Exists("lot_lock:lot-1"))

	require.NoError(t, lock.Unlock(ctx, "lot-1", token))
	assert.False(t, mr.Exists("lot_lock:lot-1"))
}

func TestExpiredLockCanBeTaken(t *testing.T) {
	client, mr := setupTestRedis(t)
	lock := newTestLock(client)
	ctx := context.Background()

	_, ok, err := lock.TryLock(ctx, "lot-1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(3 * time.Second)

	_, ok, err = lock.TryLock(ctx, "lot-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockCancelledContext(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := newTestLock(client)
	lock.MaxWait = time.Minute

	unlock, err := lock.Lock(context.Background(), "lot-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = lock.Lock(ctx, "lot-1")
	assert.Error(t, err)
}

func TestChainedWithKeyedMutex(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := newTestLock(client)
	lock.MaxWait = 2 * time.Second
	chain := bidding.ChainLocker{bidding.NewKeyedMutex(), lock}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := chain.Lock(context.Background(), "lot-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			counter++
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, counter)
}
