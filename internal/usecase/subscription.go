package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/metrics"
	"SentimentMonitor/internal/ports"
)

const feedCloseTimeout = 5 * time.Second

// Subscription keeps one insert feed open for a source. A feed that fails is
// dropped and reopened after a fixed delay; Close is the only way to stop it
// for good.
type Subscription struct {
	source      domain.Source
	store       ports.DocumentStore
	clock       clockwork.Clock
	logger      *slog.Logger
	onChange    func(domain.ChangeNotification)
	reopenDelay time.Duration

	openMu sync.Mutex

	mu     sync.Mutex
	ctx    context.Context
	live   bool
	closed bool
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	reopen clockwork.Timer
}

// NewSubscription builds a closed subscription for source.
func NewSubscription(src domain.Source, store ports.DocumentStore, clock clockwork.Clock, logger *slog.Logger,
	reopenDelay time.Duration, onChange func(domain.ChangeNotification)) *Subscription {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reopenDelay <= 0 {
		reopenDelay = 30 * time.Second
	}
	return &Subscription{
		source:      src,
		store:       store,
		clock:       clock,
		logger:      logger.With("component", "subscription", "source", src.Key),
		onChange:    onChange,
		reopenDelay: reopenDelay,
	}
}

// Open subscribes to the source's insert feed. A failure schedules a reopen.
func (s *Subscription) Open(ctx context.Context) error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	return s.open(ctx)
}

func (s *Subscription) open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.ctx = ctx
	s.stopReopen()
	if s.live {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	feed, err := s.store.Subscribe(ctx, s.source)
	if err != nil {
		s.logger.Warn("open change feed failed", "error", err, "retry_in", s.reopenDelay)
		s.mu.Lock()
		s.scheduleReopen()
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", s.source.Collection, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		// closed while the feed was being opened
		s.mu.Unlock()
		cancel()
		closeFeed(feed, s.logger)
		return nil
	}
	s.gen++
	gen := s.gen
	s.live = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	metrics.SubscriptionLive.WithLabelValues(s.source.Key).Set(1)
	s.logger.Info("change feed open", "collection", s.source.Collection)

	go s.consume(consumeCtx, feed, gen, done)
	return nil
}

// Close stops the feed without scheduling a reopen.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopReopen()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	wasLive := s.live
	s.live = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	metrics.SubscriptionLive.WithLabelValues(s.source.Key).Set(0)
	if wasLive {
		s.logger.Info("change feed closed")
	}
}

// Live reports whether a feed is currently open.
func (s *Subscription) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Source returns the watched source.
func (s *Subscription) Source() domain.Source {
	return s.source
}

func (s *Subscription) consume(ctx context.Context, feed ports.ChangeFeed, gen uint64, done chan struct{}) {
	defer close(done)
	defer closeFeed(feed, s.logger)

	for {
		event, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(gen, err)
			return
		}
		if event.Operation != domain.OperationInsert {
			continue
		}
		if s.onChange != nil {
			s.onChange(domain.ChangeNotification{
				Source:     s.source.DisplayName,
				DocumentID: event.DocumentID,
				ChangeType: domain.ChangeInsert,
			})
		}
	}
}

func (s *Subscription) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.live {
		return
	}

	s.live = false
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel, s.done = nil, nil
	metrics.SubscriptionLive.WithLabelValues(s.source.Key).Set(0)

	if s.closed {
		return
	}
	s.logger.Warn("change feed failed", "error", err, "retry_in", s.reopenDelay)
	s.scheduleReopen()
}

// scheduleReopen must be called with mu held.
func (s *Subscription) scheduleReopen() {
	if s.closed || s.reopen != nil {
		return
	}
	metrics.SubscriptionReopens.WithLabelValues(s.source.Key).Inc()
	s.reopen = s.clock.AfterFunc(s.reopenDelay, func() {
		s.mu.Lock()
		s.reopen = nil
		ctx, closed := s.ctx, s.closed
		s.mu.Unlock()

		if closed || ctx == nil || ctx.Err() != nil {
			return
		}
		_ = s.open(ctx)
	})
}

// stopReopen must be called with mu held.
func (s *Subscription) stopReopen() {
	if s.reopen != nil {
		s.reopen.Stop()
		s.reopen = nil
	}
}

func closeFeed(feed ports.ChangeFeed, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), feedCloseTimeout)
	defer cancel()
	if err := feed.Close(ctx); err != nil {
		logger.Debug("close change feed", "error", err)
	}
}
