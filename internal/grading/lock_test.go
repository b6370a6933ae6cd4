package grading

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerRejectsConcurrentHolder(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lockCtx, release, err := locker.Acquire(ctx, "submission:1")
	require.NoError(t, err)

	_, _, err = locker.Acquire(ctx, "submission:1")
	require.ErrorIs(t, err, ErrSubmissionBusy)

	_, other, err := locker.Acquire(ctx, "submission:2")
	require.NoError(t, err)
	other()

	require.NoError(t, lockCtx.Err())
	release()
	release()
	require.Error(t, lockCtx.Err())
	require.NotErrorIs(t, context.Cause(lockCtx), ErrLockLost)

	_, again, err := locker.Acquire(ctx, "submission:1")
	require.NoError(t, err)
	again()
}

func TestRedisLockerSerialisesAcrossClients(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	clientA := redis.NewClient(&redis.Options{Addr: server.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
	})

	lockerA := NewRedisLocker(clientA, "test:lock:", time.Minute)
	lockerB := NewRedisLocker(clientB, "test:lock:", time.Minute)
	ctx := context.Background()

	_, release, err := lockerA.Acquire(ctx, "7")
	require.NoError(t, err)
	require.True(t, server.Exists("test:lock:7"))

	_, _, err = lockerB.Acquire(ctx, "7")
	require.ErrorIs(t, err, ErrSubmissionBusy)

	release()
	require.False(t, server.Exists("test:lock:7"))

	_, releaseB, err := lockerB.Acquire(ctx, "7")
	require.NoError(t, err)
	releaseB()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, "", time.Second)

	_, release, err := locker.Acquire(context.Background(), "9")
	require.NoError(t, err)

	server.FastForward(2 * time.Second)
	require.NoError(t, server.Set("grading:lock:9", "someone-else"))

	release()
	value, err := server.Get("grading:lock:9")
	require.NoError(t, err)
	require.Equal(t, "someone-else", value)
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	clientA := redis.NewClient(&redis.Options{Addr: server.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
	})

	ttl := 150 * time.Millisecond
	lockerA := NewRedisLocker(clientA, "", ttl)
	lockerB := NewRedisLocker(clientB, "", ttl)
	ctx := context.Background()

	lockCtx, release, err := lockerA.Acquire(ctx, "42")
	require.NoError(t, err)

	// Advance the server clock well past the original TTL, one renewal window at a time.
	for i := 0; i < 5; i++ {
		server.FastForward(100 * time.Millisecond)
		require.Eventually(t, func() bool {
			return server.TTL("grading:lock:42") > 100*time.Millisecond
		}, time.Second, 5*time.Millisecond)
	}

	_, _, err = lockerB.Acquire(ctx, "42")
	require.ErrorIs(t, err, ErrSubmissionBusy)
	require.NoError(t, lockCtx.Err())

	release()
	require.False(t, server.Exists("grading:lock:42"))

	_, releaseB, err := lockerB.Acquire(ctx, "42")
	require.NoError(t, err)
	releaseB()
}

func TestRedisLockerCancelsRunWhenLockIsTaken(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, "", 150*time.Millisecond)

	lockCtx, release, err := locker.Acquire(context.Background(), "11")
	require.NoError(t, err)
	defer release()

	server.FastForward(time.Second)
	require.False(t, server.Exists("grading:lock:11"))
	require.NoError(t, server.Set("grading:lock:11", "someone-else"))

	require.Eventually(t, func() bool { return lockCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, context.Cause(lockCtx), ErrLockLost)
}
