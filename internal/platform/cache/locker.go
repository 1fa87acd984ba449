package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained is returned when another request holds one of the locks.
var ErrLockNotObtained = errors.New("cache: lock held by another request")

// Locker takes short-lived distributed locks that span instances.
type Locker struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
}

// NewLocker builds a Locker. A nil client yields a no-op locker.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	l := &Locker{ttl: ttl, retries: 20}
	if client != nil {
		l.client = redislock.New(client)
	}
	return l
}

// Acquire obtains every name in order. On failure the locks already held are
// released. The returned func releases all of them.
func (l *Locker) Acquire(ctx context.Context, names []string) (func(), error) {
	if l == nil || l.client == nil || len(names) == 0 {
		return func() {}, nil
	}
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), l.retries),
	}
	held := make([]*redislock.Lock, 0, len(names))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(context.WithoutCancel(ctx))
		}
	}
	for _, name := range names {
		lock, err := l.client.Obtain(ctx, "lock:"+name, l.ttl, opts)
		if errors.Is(err, redislock.ErrNotObtained) {
			release()
			return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, name)
		}
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, lock)
	}
	return release, nil
}
