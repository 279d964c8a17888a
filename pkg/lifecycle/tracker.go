package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// StateChangeHandler is called after every successful transition.
type StateChangeHandler func(old, new State)

// Tracker holds the current State. It is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	state    State
	logger   *zap.Logger
	handlers []StateChangeHandler
}

// NewTracker returns a Tracker in [StateStarting]. A nil logger disables
// transition logging.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{state: StateStarting, logger: logger}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Ready reports whether the service accepts traffic.
func (t *Tracker) Ready() bool {
	return t.State() == StateReady
}

// OnStateChange registers h. Handlers run synchronously, outside the lock,
// in registration order.
func (t *Tracker) OnStateChange(h StateChangeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Transition moves to to, or fails with [sserr.CodeInternal] when the
// state machine does not allow it.
func (t *Tracker) Transition(to State) error {
	t.mu.Lock()
	from := t.state
	if !ValidTransition(from, to) {
		t.mu.Unlock()
		return sserr.Newf(sserr.CodeInternal, "lifecycle: invalid transition from %s to %s", from, to)
	}
	t.state = to
	handlers := append([]StateChangeHandler(nil), t.handlers...)
	t.mu.Unlock()

	t.logger.Info("lifecycle state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	for _, h := range handlers {
		h(from, to)
	}
	return nil
}

// Component is a long-lived part of the service, such as a listener or a
// background reclaimer. Run must return when ctx is done.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run starts every component and blocks until ctx is done or one of them
// fails. The first failure cancels the others and moves the tracker to
// [StateFailed]; otherwise the tracker ends in [StateStopped]. The
// caller moves the tracker to Ready once startup checks pass.
func (t *Tracker) Run(ctx context.Context, components ...Component) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			t.logger.Debug("component starting", zap.String("component", c.Name))
			if err := c.Run(gctx); err != nil {
				t.logger.Error("component failed", zap.String("component", c.Name), zap.Error(err))
				return sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: component %s failed", c.Name)
			}
			t.logger.Debug("component stopped", zap.String("component", c.Name))
			return nil
		})
	}

	// Stop advertising readiness as soon as shutdown begins.
	go func() {
		<-gctx.Done()
		if s := t.State(); s == StateStarting || s == StateReady {
			_ = t.Transition(StateDraining)
		}
	}()

	err := g.Wait()
	if err != nil {
		_ = t.Transition(StateFailed)
		return err
	}
	if t.State() != StateDraining {
		_ = t.Transition(StateDraining)
	}
	_ = t.Transition(StateStopped)
	return nil
}
