package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/metrics"
	"SentimentMonitor/internal/ports"
	"SentimentMonitor/internal/source"
)

const (
	pingTimeout = 5 * time.Second

	// genericSource labels notifications that could not be tied to a source.
	genericSource = "general"
)

// MonitorConfig tunes store reconnection and change detection.
type MonitorConfig struct {
	ReconnectDelay      time.Duration
	ResubscribeDelay    time.Duration
	HealthSweepInterval time.Duration
	PollInterval        time.Duration
	PollLimit           int
}

// DefaultMonitorConfig mirrors the production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ReconnectDelay:      10 * time.Second,
		ResubscribeDelay:    30 * time.Second,
		HealthSweepInterval: 5 * time.Minute,
		PollInterval:        time.Minute,
		PollLimit:           50,
	}
}

// MonitorDeps wires the driven adapters of the monitor.
type MonitorDeps struct {
	Connector ports.StoreConnector
	Scheduler ports.AnalysisScheduler
	Sources   *source.Registry
	NewRunner func(interval time.Duration) ports.PeriodicRunner
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Monitor owns the store connection, the per-source change feeds, the
// fallback poller and the scheduler, and is the entry point scrapers use to
// report new data.
type Monitor struct {
	connector ports.StoreConnector
	scheduler ports.AnalysisScheduler
	sources   *source.Registry
	newRunner func(time.Duration) ports.PeriodicRunner
	clock     clockwork.Clock
	logger    *slog.Logger
	cfg       MonitorConfig
	poller    *Poller

	initMu sync.Mutex

	mu          sync.Mutex
	initialised bool
	cancel      context.CancelFunc
	store       ports.DocumentStore
	connected   bool
	subs        map[string]*Subscription
	changes     int64
	lastChange  *time.Time
	runners     []ports.PeriodicRunner
}

var _ ports.ScrapeNotifier = (*Monitor)(nil)

// NewMonitor builds an uninitialised monitor.
func NewMonitor(deps MonitorDeps, cfg MonitorConfig) *Monitor {
	defaults := DefaultMonitorConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = defaults.ResubscribeDelay
	}
	if cfg.HealthSweepInterval <= 0 {
		cfg.HealthSweepInterval = defaults.HealthSweepInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = defaults.PollLimit
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sources := deps.Sources
	if sources == nil {
		sources = source.NewRegistry(domain.DefaultSources()...)
	}

	m := &Monitor{
		connector: deps.Connector,
		scheduler: deps.Scheduler,
		sources:   sources,
		newRunner: deps.NewRunner,
		clock:     clock,
		logger:    logger.With("component", "monitor"),
		cfg:       cfg,
		subs:      map[string]*Subscription{},
	}
	m.poller = NewPoller(PollerDeps{
		Store:     m.connectedStore,
		PushAlive: m.anyLive,
		Sink:      m.forward,
		Logger:    logger,
	}, sources.All(), cfg.PollLimit)
	return m
}

// Initialise connects to the store, retrying until it succeeds or ctx ends,
// then starts the scheduler, the change feeds and the background sweeps.
// It returns false only when ctx ended first. Repeated calls are no-ops.
func (m *Monitor) Initialise(ctx context.Context) bool {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	done := m.initialised
	m.mu.Unlock()
	if done {
		return true
	}

	m.logger.Info("initialising monitor")

	store, err := m.connect(ctx)
	if err != nil {
		m.logger.Warn("monitor initialisation aborted", "error", err)
		return false
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.store = store
	m.connected = true
	m.cancel = cancel
	m.mu.Unlock()
	metrics.StoreConnected.Set(1)

	m.scheduler.Initialise(runCtx)
	m.openSubscriptions(runCtx)

	if err := m.startRunners(runCtx); err != nil {
		m.logger.Error("start background runners", "error", err)
	}

	m.mu.Lock()
	m.initialised = true
	m.mu.Unlock()

	m.logger.Info("monitor initialised", "sources", len(m.sources.All()))
	return true
}

// NotifyTwitterScrape reports freshly stored Twitter documents.
func (m *Monitor) NotifyTwitterScrape(info domain.ScrapeInfo) domain.NotifyResult {
	return m.NotifyScrape(domain.SourceTwitter, info)
}

// NotifyRedditScrape reports freshly stored Reddit documents.
func (m *Monitor) NotifyRedditScrape(info domain.ScrapeInfo) domain.NotifyResult {
	return m.NotifyScrape(domain.SourceReddit, info)
}

// NotifyBlueskyScrape reports freshly stored Bluesky documents.
func (m *Monitor) NotifyBlueskyScrape(info domain.ScrapeInfo) domain.NotifyResult {
	return m.NotifyScrape(domain.SourceBluesky, info)
}

// NotifyScrape forwards an external "new data" report to the scheduler. An
// unknown source still triggers a generic notification.
func (m *Monitor) NotifyScrape(sourceKey string, info domain.ScrapeInfo) domain.NotifyResult {
	n := domain.ChangeNotification{Source: genericSource, ChangeType: domain.ChangeExternal}

	src, err := m.sources.Resolve(sourceKey)
	switch {
	case err == nil:
		n.Source = src.DisplayName
	case errors.Is(err, domain.ErrUnknownSource) && sourceKey != "":
		m.logger.Warn("scrape notification for unknown source", "source", sourceKey)
	}

	m.logger.Info("scrape completed, notifying scheduler",
		"source", n.Source,
		"search_id", info.SearchID,
		"count", info.Count,
		"origin", info.Origin)

	metrics.NotificationsTotal.WithLabelValues(n.Source, string(n.ChangeType)).Inc()
	return m.scheduler.NotifyNewData(n)
}

// Status aggregates store, feed and scheduler state.
func (m *Monitor) Status() domain.MonitorStatus {
	m.mu.Lock()
	status := domain.MonitorStatus{
		Initialised:    m.initialised,
		StoreConnected: m.connected,
		Subscriptions:  make(map[string]bool, len(m.subs)),
		ChangesSeen:    m.changes,
		LastChange:     copyTime(m.lastChange),
	}
	subs := m.subscriptionsLocked()
	m.mu.Unlock()

	for _, src := range m.sources.All() {
		status.Subscriptions[src.Key] = false
	}
	for _, sub := range subs {
		status.Subscriptions[sub.Source().Key] = sub.Live()
	}
	status.Scheduler = m.scheduler.Status()
	return status
}

// Shutdown stops background work, closes the feeds and the store.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	if !m.initialised {
		m.mu.Unlock()
		return nil
	}
	m.initialised = false
	runners := m.runners
	m.runners = nil
	subs := m.subscriptionsLocked()
	store := m.store
	cancel := m.cancel
	m.mu.Unlock()

	var errs []error
	for _, r := range runners {
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop runner: %w", err))
		}
	}
	for _, sub := range subs {
		sub.Close()
	}
	if err := m.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if cancel != nil {
		cancel()
	}

	m.mu.Lock()
	m.connected = false
	m.store = nil
	m.subs = map[string]*Subscription{}
	m.mu.Unlock()
	metrics.StoreConnected.Set(0)
	if store != nil {
		store.Close()
	}

	m.logger.Info("monitor stopped")
	return errors.Join(errs...)
}

// SweepSubscriptions reopens feeds that are absent for sources present in the store.
func (m *Monitor) SweepSubscriptions(ctx context.Context) {
	if m.connectedStore() == nil {
		return
	}
	m.openSubscriptions(ctx)
}

// CheckConnectivity pings the store, dropping every feed when it is
// unreachable and reopening them once it answers again.
func (m *Monitor) CheckConnectivity(ctx context.Context) {
	m.mu.Lock()
	store, wasConnected := m.store, m.connected
	m.mu.Unlock()
	if store == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := store.Ping(pingCtx)
	cancel()

	switch {
	case err != nil && wasConnected:
		m.logger.Warn("document store unreachable, closing change feeds", "error", err)
		m.mu.Lock()
		m.connected = false
		subs := m.subscriptionsLocked()
		m.mu.Unlock()
		metrics.StoreConnected.Set(0)
		for _, sub := range subs {
			sub.Close()
		}
	case err == nil && !wasConnected:
		m.logger.Info("document store reachable again, reopening change feeds")
		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()
		metrics.StoreConnected.Set(1)
		m.openSubscriptions(ctx)
	}
}

// PendingCounts returns, per source key, how many stored documents still
// wait for analysis. Sources whose table does not exist yet are skipped.
func (m *Monitor) PendingCounts(ctx context.Context) (map[string]int, error) {
	store := m.connectedStore()
	if store == nil {
		return nil, errors.New("document store not connected")
	}

	counts := make(map[string]int)
	for _, src := range m.sources.All() {
		exists, err := store.SourceExists(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("check source %s: %w", src.Key, err)
		}
		if !exists {
			continue
		}
		n, err := store.CountUnanalysed(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("count pending %s: %w", src.Key, err)
		}
		counts[src.Key] = n
	}
	return counts, nil
}

// Poll runs one fallback sweep and returns the number of notifications sent.
func (m *Monitor) Poll(ctx context.Context) int {
	return m.poller.Sweep(ctx)
}

func (m *Monitor) connect(ctx context.Context) (ports.DocumentStore, error) {
	for attempt := 1; ; attempt++ {
		store, err := m.connector.Connect(ctx)
		if err == nil {
			return store, nil
		}
		m.logger.Warn("connect to document store failed",
			"attempt", attempt, "error", err, "retry_in", m.cfg.ReconnectDelay)

		select {
		case <-m.clock.After(m.cfg.ReconnectDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to document store: %w", ctx.Err())
		}
	}
}

func (m *Monitor) startRunners(ctx context.Context) error {
	if m.newRunner == nil {
		return errors.New("no runner factory configured")
	}

	jobs := []struct {
		interval time.Duration
		job      func(time.Time)
	}{
		{m.cfg.HealthSweepInterval, func(time.Time) { m.SweepSubscriptions(ctx) }},
		{m.cfg.PollInterval, func(time.Time) { m.Poll(ctx) }},
		{m.cfg.ReconnectDelay, func(time.Time) { m.CheckConnectivity(ctx) }},
	}

	var errs []error
	for _, j := range jobs {
		r := m.newRunner(j.interval)
		if err := r.Start(ctx, j.job); err != nil {
			errs = append(errs, err)
			continue
		}
		m.mu.Lock()
		m.runners = append(m.runners, r)
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Monitor) openSubscriptions(ctx context.Context) {
	store := m.connectedStore()
	if store == nil {
		return
	}

	for _, src := range m.sources.All() {
		exists, err := store.SourceExists(ctx, src)
		if err != nil {
			m.logger.Warn("check source collection", "source", src.Key, "error", err)
			continue
		}
		if !exists {
			m.logger.Debug("source collection not present yet", "source", src.Key, "collection", src.Collection)
			continue
		}

		m.mu.Lock()
		sub, ok := m.subs[src.Key]
		if !ok {
			sub = NewSubscription(src, store, m.clock, m.logger, m.cfg.ResubscribeDelay, m.handleChange)
			m.subs[src.Key] = sub
		}
		m.mu.Unlock()

		if sub.Live() {
			continue
		}
		if err := sub.Open(ctx); err != nil {
			m.logger.Warn("open subscription", "source", src.Key, "error", err)
		}
	}
}

func (m *Monitor) handleChange(n domain.ChangeNotification) {
	now := m.clock.Now()
	m.mu.Lock()
	if n.ChangeType == domain.ChangeInsert {
		m.changes++
	}
	m.lastChange = &now
	m.mu.Unlock()

	m.logger.Debug("document inserted", "source", n.Source, "id", n.DocumentID)
	m.forward(n)
}

func (m *Monitor) forward(n domain.ChangeNotification) {
	metrics.NotificationsTotal.WithLabelValues(n.Source, string(n.ChangeType)).Inc()
	m.scheduler.NotifyNewData(n)
}

func (m *Monitor) connectedStore() ports.DocumentStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	return m.store
}

func (m *Monitor) anyLive() bool {
	m.mu.Lock()
	subs := m.subscriptionsLocked()
	m.mu.Unlock()
	for _, sub := range subs {
		if sub.Live() {
			return true
		}
	}
	return false
}

// subscriptionsLocked must be called with mu held.
func (m *Monitor) subscriptionsLocked() []*Subscription {
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out
}
