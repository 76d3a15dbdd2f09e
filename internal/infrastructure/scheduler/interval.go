package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"SentimentMonitor/internal/ports"
)

// ErrInvalidInterval is returned when a runner is started without a positive interval.
var ErrInvalidInterval = errors.New("interval must be positive")

// IntervalRunner invokes a job on a fixed interval until stopped. Runs never
// overlap: a slow job delays the next tick instead of stacking up.
type IntervalRunner struct {
	clock    clockwork.Clock
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

var _ ports.PeriodicRunner = (*IntervalRunner)(nil)

// NewIntervalRunner builds a runner ticking on the given clock.
func NewIntervalRunner(clock clockwork.Clock, interval time.Duration) *IntervalRunner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IntervalRunner{clock: clock, interval: interval}
}

// Start begins ticking. Starting a running runner is a no-op.
func (r *IntervalRunner) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}
	if r.interval <= 0 {
		return ErrInvalidInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	r.stop, r.done = stop, done

	ticker := r.clock.NewTicker(r.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.Chan():
				job(t)
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts the ticker goroutine and waits for an in-flight job to return.
func (r *IntervalRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the runner is started.
func (r *IntervalRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}
