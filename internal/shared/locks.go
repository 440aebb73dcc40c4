package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// AccrualOrderLockKey guards accrual creation for a single sale order.
func AccrualOrderLockKey(orderID int64) string {
	return fmt.Sprintf("accrual:order:%d:lock", orderID)
}

// AccrualSyncLockKey guards the scheduled accrual sync.
func AccrualSyncLockKey(companyID int64) string {
	return fmt.Sprintf("accrual:sync:%d:lock", companyID)
}

// Locker serialises critical sections across processes through Redis.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// NewLocker builds a Locker. A nil client yields a no-op locker.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	l := &Locker{ttl: ttl, retry: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20)}
	if client != nil {
		l.client = redislock.New(client)
	}
	return l
}

// WithoutRetry makes WithLock fail immediately when the key is held.
func (l *Locker) WithoutRetry() *Locker {
	if l == nil {
		return nil
	}
	clone := *l
	clone.retry = redislock.NoRetry()
	return &clone
}

// WithLock runs fn while holding key. The lock TTL is refreshed every half
// TTL until fn returns, so long batches keep their lock. ErrLockNotObtained is
// returned when the lock could not be acquired.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return fmt.Errorf("%w: %s", ErrLockNotObtained, key)
		}
		return err
	}
	defer func() {
		// context may already be cancelled; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()
	done := make(chan struct{})
	defer close(done)
	go l.keepAlive(ctx, lock, done)
	return fn(ctx)
}

func (l *Locker) keepAlive(ctx context.Context, lock *redislock.Lock, done <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, l.ttl, nil); err != nil {
				return
			}
		}
	}
}
