// Package ratelimit admits or rejects requests by counting them per key in
// fixed windows.
//
// Every backend implements [Limiter] with the same semantics: the first
// request for an unseen or expired key opens a window of the given length
// with count 1; later requests increment the count and are admitted while
// it does not exceed the limit. [MemoryLimiter] suits a single instance;
// [RedisLimiter] and [PostgresLimiter] share counters across instances.
//
//	limiter, err := ratelimit.New(ratelimit.Config{Backend: ratelimit.BackendMemory}, ratelimit.Deps{})
//	d, err := limiter.Allow(ctx, "GET /v1/whoami:"+subject, 100, time.Minute)
//	if !d.Allowed {
//	    // 429, Retry-After: d.RetryAfterSeconds()
//	}
package ratelimit

import (
	"context"
	"math"
	"time"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// DefaultReclaimInterval is how often expired windows are discarded.
const DefaultReclaimInterval = time.Minute

// Decision is the outcome of one [Limiter.Allow] call.
type Decision struct {
	// Allowed reports whether the request is admitted.
	Allowed bool

	// Limit is the limit the request was checked against.
	Limit int

	// Remaining is max(0, Limit - count), reported on denial too.
	Remaining int

	// RetryAfter is the time left in the current window. It is only set
	// when the request was denied.
	RetryAfter time.Duration

	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// RetryAfterSeconds returns RetryAfter in whole seconds, rounded up and at
// least 1 for a denial. It is 0 for admitted requests.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter is the admission contract shared by all backends.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Store is a Limiter with a lifecycle, as returned by [New].
type Store interface {
	Limiter

	// Run reclaims expired windows until ctx is done.
	Run(ctx context.Context) error

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context) error
}

func validateArgs(key string, limit int, window time.Duration) error {
	switch {
	case key == "":
		return sserr.New(sserr.CodeValidationRequired, "ratelimit: key is required")
	case limit < 1:
		return sserr.Newf(sserr.CodeValidationRange, "ratelimit: limit must be positive, got %d", limit)
	case window < time.Millisecond:
		return sserr.Newf(sserr.CodeValidationRange, "ratelimit: window must be at least 1ms, got %s", window)
	}
	return nil
}

// decide turns a post-increment count and the window's remaining lifetime
// into a Decision.
func decide(count int64, limit int, ttl time.Duration, now time.Time) Decision {
	if ttl < 0 {
		ttl = 0
	}
	d := Decision{
		Allowed: count <= int64(limit),
		Limit:   limit,
		ResetAt: now.Add(ttl),
	}
	if rem := int64(limit) - count; rem > 0 {
		d.Remaining = int(rem)
	}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d
}

// runTicker calls fn every interval until ctx is done.
func runTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
