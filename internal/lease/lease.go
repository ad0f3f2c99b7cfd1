package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auction-engine/utils"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Runner runs fn only if this instance wins the lease. ran is false when another holder has it.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) (ran bool, err error)
}

// RedisLease is a redsync mutex held for the duration of one job and renewed
// in the background while the job runs. Losing the renewal cancels the job's context.
type RedisLease struct {
	mutex   *redsync.Mutex
	options options
}

type options struct {
	expiry        time.Duration
	renewInterval time.Duration
}

type Option func(*options)

// WithExpiry sets how long the lease survives without renewal
func WithExpiry(d time.Duration) Option {
	return func(o *options) {
		o.expiry = d
	}
}

// WithRenewInterval sets how often a held lease is extended
func WithRenewInterval(d time.Duration) Option {
	return func(o *options) {
		o.renewInterval = d
	}
}

// New creates a lease on key
func New(client *redis.Client, key string, opts ...Option) *RedisLease {
	o := options{
		expiry: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.renewInterval <= 0 {
		o.renewInterval = o.expiry / 3
	}

	rs := redsync.New(goredis.NewPool(client))
	return &RedisLease{
		mutex: rs.NewMutex(
			key,
			redsync.WithExpiry(o.expiry),
			redsync.WithTries(1),
		),
		options: o,
	}
}

func (l *RedisLease) Run(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if err := l.mutex.TryLockContext(ctx); err != nil {
		var redisErr *redsync.RedisError
		if errors.As(err, &redisErr) {
			return false, fmt.Errorf("lease: acquire %s: %w", l.mutex.Name(), err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		// held elsewhere
		return false, nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.renew(jobCtx, cancel)
	}()

	err := fn(jobCtx)
	cancel()
	wg.Wait()

	if ok, unlockErr := l.mutex.Unlock(); unlockErr != nil || !ok {
		utils.Warn("Lease release failed", map[string]any{
			"key":   l.mutex.Name(),
			"error": fmt.Sprint(unlockErr),
		})
	}
	return true, err
}

func (l *RedisLease) renew(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(l.options.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.mutex.ExtendContext(ctx)
			if err != nil || !ok {
				if ctx.Err() != nil {
					return
				}
				utils.Warn("Lease lost, cancelling job", map[string]any{
					"key":   l.mutex.Name(),
					"error": fmt.Sprint(err),
				})
				cancel()
				return
			}
		}
	}
}

// Local always runs the job. It is used when only one instance runs.
type Local struct{}

func (Local) Run(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	return true, fn(ctx)
}
