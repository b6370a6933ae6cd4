package grading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed node can hold a submission in the redis locker.
const DefaultLockTTL = 15 * time.Minute

// Locker serialises grading runs per submission. Acquire never waits: a held key returns
// ErrSubmissionBusy. The returned context is cancelled with ErrLockLost as its cause when
// ownership can no longer be guaranteed, and on release. The release func is safe to call
// more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (context.Context, func(), error)
}

// MemoryLocker serialises runs within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrSubmissionBusy, key)
	}
	l.held[key] = struct{}{}

	lockCtx, cancel := context.WithCancelCause(ctx)
	var once sync.Once
	return lockCtx, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			cancel(context.Canceled)
		})
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serialises runs across nodes with SET NX and a token-checked release. A held
// key is renewed every ttl/3 so long runs keep it.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker builds a locker storing keys under prefix.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if prefix == "" {
		prefix = "grading:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	token := uuid.NewString()
	redisKey := l.prefix + key

	acquired, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire grading lock: %w", err)
	}
	if !acquired {
		return nil, nil, fmt.Errorf("%w: %s", ErrSubmissionBusy, key)
	}

	lockCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renew(lockCtx, cancel, stop, redisKey, token)
	}()

	var once sync.Once
	return lockCtx, func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
			cancel(context.Canceled)
		})
	}, nil
}

func (l *RedisLocker) renew(ctx context.Context, cancel context.CancelCauseFunc, stop <-chan struct{}, redisKey, token string) {
	interval := max(l.ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewCtx, renewCancel := context.WithTimeout(context.Background(), interval)
		renewed, err := renewScript.Run(renewCtx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		renewCancel()
		if err != nil {
			cancel(fmt.Errorf("%w: renew %s: %v", ErrLockLost, redisKey, err))
			return
		}
		if renewed == 0 {
			cancel(fmt.Errorf("%w: %s held by another run", ErrLockLost, redisKey))
			return
		}
	}
}
