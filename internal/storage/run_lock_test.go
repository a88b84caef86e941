package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeline-harvester/internal/errors"
)

func TestRunLock_SecondAcquireFails(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := testContext(t)

	lock := NewRunLock(cache, "", time.Minute)

	release, err := lock.Acquire(ctx)
	require.NoError(t, err)

	_, err = lock.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRunInProgress)

	held, err := lock.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, release(ctx))

	held, err = lock.Held(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	release, err = lock.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRunLock_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := testContext(t)

	lock := NewRunLock(cache, "test:lock", time.Second)

	staleRelease, err := lock.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	release, err := lock.Acquire(ctx)
	require.NoError(t, err)

	// the stale holder must not drop the new holder's lock
	require.NoError(t, staleRelease(ctx))
	assert.True(t, mr.Exists("test:lock"))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:lock"))
}

func TestRunLock_TTLApplied(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := testContext(t)

	lock := NewRunLock(cache, "test:ttl", 30*time.Minute)
	release, err := lock.Acquire(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = release(ctx) })

	assert.Equal(t, 30*time.Minute, mr.TTL("test:ttl"))
}

func TestRunLock_HeartbeatExtendsTTL(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := testContext(t)

	ttl := 150 * time.Millisecond
	lock := NewRunLock(cache, "test:lock", ttl)

	release, err := lock.Acquire(ctx)
	require.NoError(t, err)

	// a run outliving its first TTL still holds the lock
	mr.FastForward(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("test:lock") > 100*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	mr.FastForward(100 * time.Millisecond)
	held, err := lock.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:lock"))
}

func TestRunLock_HeartbeatDoesNotExtendForeignLock(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := testContext(t)

	lock := NewRunLock(cache, "test:lock", 60*time.Millisecond)

	release, err := lock.Acquire(ctx)
	require.NoError(t, err)

	// another holder took over after our lock expired
	require.NoError(t, mr.Set("test:lock", "other-token"))
	mr.SetTTL("test:lock", 10*time.Second)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 10*time.Second, mr.TTL("test:lock"))

	require.NoError(t, release(ctx))
	val, err := mr.Get("test:lock")
	require.NoError(t, err)
	assert.Equal(t, "other-token", val)
}
