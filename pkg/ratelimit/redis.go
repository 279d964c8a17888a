package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// DefaultKeyPrefix namespaces counters in shared stores.
const DefaultKeyPrefix = "accessgate:rl:"

// WindowCounter is the atomic increment-and-expire primitive used by
// [RedisLimiter]. *redis.Client from pkg/clients/redis satisfies it.
type WindowCounter interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Health(ctx context.Context) error
}

// RedisLimiter counts windows in Redis, so every instance sharing the
// Redis sees the same counts. Keys expire on their own; Run only blocks.
type RedisLimiter struct {
	counter WindowCounter
	prefix  string
	logger  *zap.Logger
	now     func() time.Time
}

var _ Store = (*RedisLimiter)(nil)

// NewRedisLimiter returns a RedisLimiter. An empty prefix means
// [DefaultKeyPrefix].
func NewRedisLimiter(counter WindowCounter, prefix string, logger *zap.Logger) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{counter: counter, prefix: prefix, logger: logger, now: time.Now}
}

// Allow implements [Limiter].
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := validateArgs(key, limit, window); err != nil {
		return Decision{}, err
	}

	count, ttl, err := r.counter.IncrementWindow(ctx, r.prefix+key, window)
	if err != nil {
		return Decision{}, sserr.Wrap(err, sserr.CodeUnavailableDependency, "ratelimit: redis increment failed")
	}
	return decide(count, limit, ttl, r.now()), nil
}

// Run blocks until ctx is done. Redis expires windows itself.
func (r *RedisLimiter) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Health checks the Redis connection.
func (r *RedisLimiter) Health(ctx context.Context) error {
	return r.counter.Health(ctx)
}
