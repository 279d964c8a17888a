package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

// MemoryLimiter keeps windows in process memory under a single mutex. The
// zero value is not usable; call [NewMemoryLimiter].
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow

	reclaimInterval time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

var _ Store = (*MemoryLimiter)(nil)

// NewMemoryLimiter returns an empty MemoryLimiter. A zero reclaimInterval
// means [DefaultReclaimInterval]; a nil logger means no logging.
func NewMemoryLimiter(reclaimInterval time.Duration, logger *zap.Logger) *MemoryLimiter {
	if reclaimInterval <= 0 {
		reclaimInterval = DefaultReclaimInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLimiter{
		windows:         make(map[string]*memoryWindow),
		reclaimInterval: reclaimInterval,
		logger:          logger,
		now:             time.Now,
	}
}

// Allow implements [Limiter]. It never fails for valid arguments.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := validateArgs(key, limit, window); err != nil {
		return Decision{}, err
	}

	m.mu.Lock()
	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &memoryWindow{expiresAt: now.Add(window)}
		m.windows[key] = w
	}
	w.count++
	count, expiresAt := w.count, w.expiresAt
	m.mu.Unlock()

	return decide(count, limit, expiresAt.Sub(now), now), nil
}

// Reclaim discards expired windows and returns how many were removed.
func (m *MemoryLimiter) Reclaim() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, w := range m.windows {
		if !now.Before(w.expiresAt) {
			delete(m.windows, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows, expired or not.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Run reclaims expired windows every reclaim interval until ctx is done.
func (m *MemoryLimiter) Run(ctx context.Context) error {
	return runTicker(ctx, m.reclaimInterval, func(context.Context) {
		if n := m.Reclaim(); n > 0 {
			m.logger.Debug("reclaimed expired rate limit windows", zap.Int("count", n))
		}
	})
}

// Health always succeeds.
func (m *MemoryLimiter) Health(context.Context) error { return nil }
