package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/ports"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeSentiment struct {
	mu sync.Mutex

	health    domain.HealthStatus
	healthErr error
	batchErr  error
	processed int

	// backlogAfter[n] is the backlog reported once n batches have completed.
	backlogAfter []int
	backlog      *int

	release chan struct{}

	healthCalls int
	batchCalls  int
	countCalls  int
	inFlight    int
	maxInFlight int
}

var _ ports.SentimentService = (*fakeSentiment)(nil)

func newFakeSentiment(backlogAfter ...int) *fakeSentiment {
	return &fakeSentiment{
		health:       domain.HealthStatus{Status: domain.HealthyStatus},
		processed:    250,
		backlogAfter: backlogAfter,
	}
}

func (f *fakeSentiment) CheckHealth(context.Context) (domain.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return f.health, f.healthErr
}

func (f *fakeSentiment) UnanalysedCount(context.Context, string) (domain.Backlog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	if f.backlog != nil {
		return domain.Backlog{Total: *f.backlog}, nil
	}
	if len(f.backlogAfter) == 0 {
		return domain.Backlog{}, nil
	}
	idx := min(f.batchCalls, len(f.backlogAfter)-1)
	return domain.Backlog{Total: f.backlogAfter[idx]}, nil
}

func (f *fakeSentiment) AnalyseBatch(context.Context, int) (domain.BatchResult, error) {
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.batchCalls++
	if f.batchErr != nil {
		return domain.BatchResult{}, f.batchErr
	}
	return domain.BatchResult{Processed: f.processed}, nil
}

func (f *fakeSentiment) AnalyseByID(context.Context, string, string) (domain.DocumentAnalysis, error) {
	return domain.DocumentAnalysis{Success: true}, nil
}

func (f *fakeSentiment) AnalyseText(context.Context, string) (domain.TextAnalysis, error) {
	return domain.TextAnalysis{Success: true}, nil
}

func (f *fakeSentiment) setBacklog(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backlog = &n
}

func (f *fakeSentiment) calls() (health, batch, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls, f.batchCalls, f.countCalls
}

func (f *fakeSentiment) batches() int {
	_, b, _ := f.calls()
	return b
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, svc ports.SentimentService, clock clockwork.Clock, mutate func(*SchedulerConfig)) *Scheduler {
	t.Helper()
	cfg := DefaultSchedulerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewScheduler(SchedulerDeps{Service: svc, Clock: clock, Logger: discardLogger()}, cfg)
	s.Initialise(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func insertFrom(source string) domain.ChangeNotification {
	return domain.ChangeNotification{Source: source, DocumentID: "doc-1", ChangeType: domain.ChangeInsert}
}

func TestScheduler_InitialiseIsIdleAndIdempotent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := newTestScheduler(t, newFakeSentiment(0), clock, nil)
	s.Initialise(context.Background())

	st := s.Status()
	assert.False(t, st.Active)
	assert.False(t, st.Running)
	assert.Equal(t, 250, st.BatchSize)
	assert.Equal(t, 3*time.Second, st.RetryCooldown)
	require.NotNil(t, st.LastDataTimestamp)
	assert.Equal(t, clock.Now(), *st.LastDataTimestamp)
}

func TestScheduler_NotifyWhileIdleStartsBatch(t *testing.T) {
	t.Parallel()

	svc := newFakeSentiment(10, 0)
	s := newTestScheduler(t, svc, clockwork.NewFakeClock(), nil)

	res := s.NotifyNewData(insertFrom("Twitter"))
	assert.True(t, res.Acknowledged)

	assert.Eventually(t, func() bool { return svc.batches() == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		st := s.Status()
		return st.Active && !st.Running && st.IdleTimeoutActive
	}, waitFor, tick)

	st := s.Status()
	assert.Equal(t, 250, st.LastProcessedCount)
	assert.Equal(t, 250, st.TotalProcessedCount)
	assert.NotNil(t, st.LastRunTime)
}

func TestScheduler_DrainsBacklogThenGoesIdle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	svc := newFakeSentiment(300, 150, 0)
	s := newTestScheduler(t, svc, clock, nil)

	s.NotifyNewData(insertFrom("Reddit"))

	// first batch leaves 150 behind: next one is paced, not immediate
	assert.Eventually(t, func() bool { return svc.batches() == 1 && !s.Status().Running }, waitFor, tick)
	assert.Equal(t, 1, svc.batches())

	clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		st := s.Status()
		return svc.batches() == 2 && !st.Running && st.IdleTimeoutActive
	}, waitFor, tick)
	assert.Equal(t, 500, s.Status().TotalProcessedCount)

	clock.Advance(15 * time.Minute)
	assert.Eventually(t, func() bool {
		st := s.Status()
		return !st.Active && !st.IdleTimeoutActive
	}, waitFor, tick)
	assert.Equal(t, 2, svc.batches())
}

func TestScheduler_RetriesWithBackoffThenGivesUp(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	svc := newFakeSentiment(40)
	svc.batchErr = errors.New("service exploded")

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	recorded := func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), delays...)
	}

	s := newTestScheduler(t, svc, clock, func(cfg *SchedulerConfig) {
		cfg.Retry.OnRetry = func(_ int, _ error, backoff time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			delays = append(delays, backoff)
		}
	})

	s.NotifyNewData(insertFrom("Bluesky"))

	assert.Eventually(t, func() bool { return len(recorded()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, s.Status().RetryCount)
	clock.Advance(3 * time.Second)

	assert.Eventually(t, func() bool { return len(recorded()) == 2 }, waitFor, tick)
	assert.Equal(t, 2, s.Status().RetryCount)
	clock.Advance(6 * time.Second)

	assert.Eventually(t, func() bool {
		st := s.Status()
		return svc.batches() == 3 && !st.Running && st.RetryCount == 0
	}, waitFor, tick)

	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second}, recorded())
	assert.Never(t, func() bool { return svc.batches() > 3 }, 50*time.Millisecond, tick)
	assert.Nil(t, s.Status().LastRunTime)
}

func TestScheduler_HealthCallErrorTakesRetryPath(t *testing.T) {
	t.Parallel()

	svc := newFakeSentiment(10)
	svc.healthErr = errors.New("connection refused")

	retried := make(chan int, 3)
	s := newTestScheduler(t, svc, clockwork.NewFakeClock(), func(cfg *SchedulerConfig) {
		cfg.Retry.OnRetry = func(attempt int, _ error, _ time.Duration) { retried <- attempt }
	})

	s.NotifyNewData(insertFrom("Twitter"))

	select {
	case attempt := <-retried:
		assert.Equal(t, 1, attempt)
	case <-time.After(waitFor):
		t.Fatal("expected a retry to be scheduled")
	}
	assert.Equal(t, 0, svc.batches())
}

func TestScheduler_UnhealthyServiceAbortsWithoutRetry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	svc := newFakeSentiment(10)
	svc.health = domain.HealthStatus{Status: "degraded", Model: "loading"}

	var retries int
	var mu sync.Mutex
	s := newTestScheduler(t, svc, clock, func(cfg *SchedulerConfig) {
		cfg.Retry.OnRetry = func(int, error, time.Duration) {
			mu.Lock()
			retries++
			mu.Unlock()
		}
	})

	s.NotifyNewData(insertFrom("Reddit"))

	assert.Eventually(t, func() bool {
		health, _, _ := svc.calls()
		return health == 1 && !s.Status().Running
	}, waitFor, tick)

	clock.Advance(10 * time.Second)
	assert.Never(t, func() bool {
		health, batch, _ := svc.calls()
		return health > 1 || batch > 0
	}, 50*time.Millisecond, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, retries)
	assert.Zero(t, s.Status().RetryCount)
}

func TestRunBatch_HealthOutcomes(t *testing.T) {
	t.Parallel()

	degraded := newFakeSentiment(0)
	degraded.health = domain.HealthStatus{Status: "degraded"}
	unreachable := newFakeSentiment(0)
	unreachable.healthErr = errors.New("connection refused")

	tests := []struct {
		name      string
		svc       *fakeSentiment
		unhealthy bool
	}{
		{"degraded status", degraded, true},
		{"health call error", unreachable, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewScheduler(SchedulerDeps{Service: tt.svc, Clock: clockwork.NewFakeClock(), Logger: discardLogger()}, DefaultSchedulerConfig())
			out := s.runBatch(context.Background(), "run-1")

			require.Error(t, out.err)
			assert.Equal(t, tt.unhealthy, errors.Is(out.err, domain.ErrServiceUnhealthy))
			assert.Equal(t, 0, tt.svc.batches())
		})
	}
}

func TestScheduler_BurstNeverOverlapsBatches(t *testing.T) {
	t.Parallel()

	svc := newFakeSentiment(5, 0)
	svc.release = make(chan struct{})
	s := newTestScheduler(t, svc, clockwork.NewFakeClock(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, s.NotifyNewData(insertFrom("Bluesky")).Acknowledged)
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return s.Status().Running }, waitFor, tick)
	for i := 0; i < 20; i++ {
		s.NotifyNewData(insertFrom("Twitter"))
	}
	// every queued wake-up is absorbed before the batch returns
	assert.Eventually(t, func() bool { return len(s.wake) == 0 }, waitFor, tick)
	close(svc.release)

	assert.Eventually(t, func() bool {
		st := s.Status()
		return svc.batches() == 1 && !st.Running && st.IdleTimeoutActive
	}, waitFor, tick)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, 1, svc.maxInFlight)
	assert.Equal(t, 1, svc.batchCalls)
}

func TestScheduler_PeriodicCheckHonoursThreshold(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	svc := newFakeSentiment(0)
	s := newTestScheduler(t, svc, clock, func(cfg *SchedulerConfig) {
		cfg.StaleRunWindow = 10 * time.Minute
	})

	s.NotifyNewData(insertFrom("Reddit"))
	assert.Eventually(t, func() bool {
		st := s.Status()
		return svc.batches() == 1 && !st.Running && st.IdleTimeoutActive
	}, waitFor, tick)

	// a small backlog only keeps the scheduler awake
	svc.setBacklog(30)
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return !s.Status().IdleTimeoutActive }, waitFor, tick)
	assert.Never(t, func() bool { return svc.batches() > 1 }, 50*time.Millisecond, tick)

	// above min(50, batchSize/2) the check starts a batch on its own
	svc.setBacklog(120)
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return svc.batches() == 2 }, waitFor, tick)
}

func TestScheduler_PeriodicCheckSkippedWhileIdle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	svc := newFakeSentiment(500)
	newTestScheduler(t, svc, clock, nil)

	clock.Advance(3 * time.Minute)
	assert.Never(t, func() bool {
		_, batch, count := svc.calls()
		return batch > 0 || count > 0
	}, 50*time.Millisecond, tick)
}

func TestScheduler_ShutdownBeforeInitialise(t *testing.T) {
	t.Parallel()

	s := NewScheduler(SchedulerDeps{Service: newFakeSentiment(), Logger: discardLogger()}, SchedulerConfig{})
	require.NoError(t, s.Shutdown(context.Background()))
	s.Initialise(context.Background())
	assert.False(t, s.Status().Active)
}

func TestActivationThreshold(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 50, activationThreshold(50, 250))
	assert.Equal(t, 20, activationThreshold(50, 40))
	assert.Equal(t, 0, activationThreshold(50, 1))
}

func TestShouldStartBatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Second)
	stale := now.Add(-3 * time.Minute)

	cases := []struct {
		name    string
		backlog int
		lastRun *time.Time
		want    bool
	}{
		{"empty backlog", 0, nil, false},
		{"above threshold", 120, &recent, true},
		{"at threshold", 50, &recent, true},
		{"below threshold recent run", 30, &recent, false},
		{"below threshold never ran", 30, nil, true},
		{"below threshold stale run", 30, &stale, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, shouldStartBatch(tc.backlog, 50, tc.lastRun, now, 2*time.Minute))
		})
	}
}
