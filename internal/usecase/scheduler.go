package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/metrics"
	"SentimentMonitor/internal/ports"
)

// SchedulerConfig tunes batch sizing, pacing and retry behaviour.
type SchedulerConfig struct {
	BatchSize      int
	IdleTimeout    time.Duration
	CheckInterval  time.Duration
	BatchPacing    time.Duration
	BacklogTrigger int
	StaleRunWindow time.Duration
	Retry          RetryPolicy
}

// DefaultSchedulerConfig mirrors the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:      250,
		IdleTimeout:    15 * time.Minute,
		CheckInterval:  time.Minute,
		BatchPacing:    time.Second,
		BacklogTrigger: 50,
		StaleRunWindow: 2 * time.Minute,
		Retry:          RetryPolicy{MaxAttempts: 3, Cooldown: 3 * time.Second},
	}
}

// SchedulerDeps wires the driven adapters of the scheduler.
type SchedulerDeps struct {
	Service ports.SentimentService
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

type batchOutcome struct {
	runID     string
	health    domain.HealthStatus
	result    domain.BatchResult
	remaining int
	err       error
	took      time.Duration
}

type checkOutcome struct {
	backlog int
	err     error
}

// Scheduler turns "new data may exist" signals into paced, retried batch
// calls against the sentiment service. A single loop goroutine owns every
// state transition; at most one batch is in flight at any time.
type Scheduler struct {
	service ports.SentimentService
	clock   clockwork.Clock
	logger  *slog.Logger
	cfg     SchedulerConfig

	wake    chan domain.ChangeNotification
	done    chan batchOutcome
	checked chan checkOutcome
	stop    chan struct{}
	exited  chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	batches sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	active   bool
	running  bool
	checking bool
	retries  int
	lastRun  *time.Time
	lastData *time.Time
	lastN    int
	totalN   int

	ticker    clockwork.Ticker
	idleTimer clockwork.Timer
	nextTimer clockwork.Timer
}

var _ ports.AnalysisScheduler = (*Scheduler)(nil)

// NewScheduler builds an idle scheduler. Call Initialise to start its loop.
func NewScheduler(deps SchedulerDeps, cfg SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.BatchPacing <= 0 {
		cfg.BatchPacing = defaults.BatchPacing
	}
	if cfg.BacklogTrigger <= 0 {
		cfg.BacklogTrigger = defaults.BacklogTrigger
	}
	if cfg.StaleRunWindow <= 0 {
		cfg.StaleRunWindow = defaults.StaleRunWindow
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if cfg.Retry.Cooldown <= 0 {
		cfg.Retry.Cooldown = defaults.Retry.Cooldown
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		service: deps.Service,
		clock:   clock,
		logger:  logger.With("component", "scheduler"),
		cfg:     cfg,
		wake:    make(chan domain.ChangeNotification, 1),
		done:    make(chan batchOutcome, 1),
		checked: make(chan checkOutcome, 1),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Initialise starts the periodic check loop in idle mode. Repeated calls are no-ops.
func (s *Scheduler) Initialise(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	now := s.clock.Now()
	s.lastData = &now
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.ensureTicker()
	s.mu.Unlock()

	s.logger.Info("scheduler initialised",
		"batch_size", s.cfg.BatchSize,
		"check_interval", s.cfg.CheckInterval,
		"idle_timeout", s.cfg.IdleTimeout)

	go s.loop()
}

// NotifyNewData signals that documents may be waiting. Bursts are coalesced;
// the scheduler always re-derives work from the backlog.
func (s *Scheduler) NotifyNewData(n domain.ChangeNotification) domain.NotifyResult {
	select {
	case s.wake <- n:
	default:
	}
	return domain.NotifyResult{Acknowledged: true, Status: s.Status()}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() domain.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.SchedulerStatus{
		Active:              s.active,
		Running:             s.running,
		RetryCount:          s.retries,
		LastRunTime:         copyTime(s.lastRun),
		LastDataTimestamp:   copyTime(s.lastData),
		LastProcessedCount:  s.lastN,
		TotalProcessedCount: s.totalN,
		IdleTimeoutActive:   s.idleTimer != nil,
		BatchSize:           s.cfg.BatchSize,
		RetryCooldown:       s.cfg.Retry.Cooldown,
	}
}

// Shutdown stops the loop and every timer, then waits for an in-flight batch.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}

	close(s.stop)
	s.cancel()

	finished := make(chan struct{})
	go func() {
		<-s.exited
		s.batches.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) loop() {
	defer close(s.exited)
	defer s.stopTimers()

	for {
		var retryHook func()
		tickC, idleC, nextC := s.loopChans()

		select {
		case <-s.stop:
			return
		case n := <-s.wake:
			s.mu.Lock()
			s.handleNotify(n)
			s.mu.Unlock()
		case <-tickC:
			s.mu.Lock()
			s.handleTick()
			s.mu.Unlock()
		case res := <-s.checked:
			s.mu.Lock()
			s.handleCheck(res)
			s.mu.Unlock()
		case <-idleC:
			s.mu.Lock()
			s.handleIdle()
			s.mu.Unlock()
		case <-nextC:
			s.mu.Lock()
			s.nextTimer = nil
			s.startBatch()
			s.mu.Unlock()
		case out := <-s.done:
			s.mu.Lock()
			retryHook = s.handleOutcome(out)
			s.mu.Unlock()
		}

		if retryHook != nil {
			retryHook()
		}
	}
}

func (s *Scheduler) handleNotify(n domain.ChangeNotification) {
	now := s.clock.Now()
	s.lastData = &now
	s.cancelIdle()

	switch {
	case !s.active:
		s.logger.Info("new data while idle, activating", "source", n.Source, "change_type", n.ChangeType)
		s.activate()
		s.startBatch()
	case !s.running:
		s.logger.Debug("new data, starting batch", "source", n.Source, "change_type", n.ChangeType)
		s.startBatch()
	default:
		s.logger.Debug("new data absorbed by running batch", "source", n.Source)
	}
}

func (s *Scheduler) handleTick() {
	if !s.active && s.idleTimer == nil {
		return
	}
	if s.running || s.checking {
		return
	}

	s.checking = true
	ctx := s.baseCtx
	go func() {
		backlog, err := s.service.UnanalysedCount(ctx, "")
		s.checked <- checkOutcome{backlog: backlog.Total, err: err}
	}()
}

func (s *Scheduler) handleCheck(res checkOutcome) {
	s.checking = false
	if res.err != nil {
		s.logger.Warn("periodic backlog check failed", "error", res.err)
		return
	}
	metrics.Backlog.Set(float64(res.backlog))

	now := s.clock.Now()
	if res.backlog > 0 {
		s.lastData = &now
		s.cancelIdle()
		if !s.active {
			s.logger.Info("backlog found while idle, activating", "backlog", res.backlog)
			s.activate()
		}
		threshold := activationThreshold(s.cfg.BacklogTrigger, s.cfg.BatchSize)
		if shouldStartBatch(res.backlog, threshold, s.lastRun, now, s.cfg.StaleRunWindow) {
			s.logger.Info("periodic check starting batch", "backlog", res.backlog, "threshold", threshold)
			s.startBatch()
		}
		return
	}

	if s.active && s.idleTimer == nil {
		s.armIdle()
	}
}

func (s *Scheduler) handleIdle() {
	s.idleTimer = nil
	s.active = false
	s.stopTicker()
	metrics.SchedulerActive.Set(0)
	s.logger.Info("no new data within idle timeout, scheduler idle", "idle_timeout", s.cfg.IdleTimeout)
}

// startBatch must be called with mu held.
func (s *Scheduler) startBatch() {
	if s.running {
		return
	}
	s.running = true
	s.cancelNext()

	runID := uuid.NewString()
	ctx := context.WithoutCancel(s.baseCtx)

	s.batches.Add(1)
	go func() {
		defer s.batches.Done()
		s.done <- s.runBatch(ctx, runID)
	}()
}

func (s *Scheduler) runBatch(ctx context.Context, runID string) batchOutcome {
	start := s.clock.Now()
	out := batchOutcome{runID: runID}
	finish := func() batchOutcome {
		out.took = s.clock.Since(start)
		return out
	}

	health, err := s.service.CheckHealth(ctx)
	if err != nil {
		out.err = fmt.Errorf("check health: %w", err)
		return finish()
	}
	out.health = health
	if !health.Healthy() {
		out.err = fmt.Errorf("%w: status %q", domain.ErrServiceUnhealthy, health.Status)
		return finish()
	}

	result, err := s.service.AnalyseBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		out.err = fmt.Errorf("analyse batch: %w", err)
		return finish()
	}
	out.result = result

	backlog, err := s.service.UnanalysedCount(ctx, "")
	if err != nil {
		out.err = fmt.Errorf("recheck backlog: %w", err)
		return finish()
	}
	out.remaining = backlog.Total
	return finish()
}

func (s *Scheduler) handleOutcome(out batchOutcome) func() {
	s.running = false
	metrics.BatchDuration.Observe(out.took.Seconds())
	logger := s.logger.With("run_id", out.runID)

	// An unhealthy service is left alone until the next check or notification.
	if errors.Is(out.err, domain.ErrServiceUnhealthy) {
		metrics.BatchesTotal.WithLabelValues("unhealthy").Inc()
		logger.Warn("skipping batch", "error", out.err,
			"model", out.health.Model, "db", out.health.DB)
		return nil
	}

	if out.err != nil {
		metrics.BatchesTotal.WithLabelValues("failure").Inc()
		s.retries++
		attempt := s.retries

		delay, ok := s.cfg.Retry.Next(attempt)
		if !ok {
			logger.Error("batch failed, retries exhausted; waiting for next check",
				"attempt", attempt, "error", out.err)
			s.retries = 0
			return nil
		}

		logger.Warn("batch failed, retrying", "attempt", attempt, "backoff", delay, "error", out.err)
		metrics.RetriesTotal.Inc()
		s.armNext(delay)

		if hook := s.cfg.Retry.OnRetry; hook != nil {
			err := out.err
			return func() { hook(attempt, err, delay) }
		}
		return nil
	}

	metrics.BatchesTotal.WithLabelValues("success").Inc()
	metrics.DocumentsProcessed.Add(float64(out.result.Processed))
	metrics.Backlog.Set(float64(out.remaining))

	now := s.clock.Now()
	s.lastRun = &now
	s.lastN = out.result.Processed
	s.totalN += out.result.Processed
	s.retries = 0

	logger.Info("batch completed",
		"processed", out.result.Processed,
		"errors", out.result.Errors,
		"remaining", out.remaining,
		"total_processed", s.totalN)

	switch {
	case out.remaining > 0 && s.active:
		s.armNext(s.cfg.BatchPacing)
	case out.remaining == 0:
		if s.idleTimer == nil {
			s.armIdle()
		}
	}
	return nil
}

func (s *Scheduler) activate() {
	s.active = true
	s.ensureTicker()
	metrics.SchedulerActive.Set(1)
}

func (s *Scheduler) ensureTicker() {
	if s.ticker == nil {
		s.ticker = s.clock.NewTicker(s.cfg.CheckInterval)
	}
}

func (s *Scheduler) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Scheduler) armIdle() {
	s.cancelIdle()
	s.idleTimer = s.clock.NewTimer(s.cfg.IdleTimeout)
}

func (s *Scheduler) cancelIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Scheduler) armNext(d time.Duration) {
	s.cancelNext()
	s.nextTimer = s.clock.NewTimer(d)
}

func (s *Scheduler) cancelNext() {
	if s.nextTimer != nil {
		s.nextTimer.Stop()
		s.nextTimer = nil
	}
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTicker()
	s.cancelIdle()
	s.cancelNext()
}

// loopChans returns the channels of the armed timers; a nil channel never
// fires, so a stopped timer simply drops out of the select.
func (s *Scheduler) loopChans() (tick, idle, next <-chan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		tick = s.ticker.Chan()
	}
	if s.idleTimer != nil {
		idle = s.idleTimer.Chan()
	}
	if s.nextTimer != nil {
		next = s.nextTimer.Chan()
	}
	return tick, idle, next
}

// activationThreshold is the backlog a periodic check needs before it starts
// a batch on its own.
func activationThreshold(trigger, batchSize int) int {
	return min(trigger, batchSize/2)
}

func shouldStartBatch(backlog, threshold int, lastRun *time.Time, now time.Time, staleWindow time.Duration) bool {
	if backlog <= 0 {
		return false
	}
	if backlog >= threshold {
		return true
	}
	if lastRun == nil {
		return true
	}
	return now.Sub(*lastRun) > staleWindow
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
