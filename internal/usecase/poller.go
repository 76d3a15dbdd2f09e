package usecase

import (
	"context"
	"log/slog"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/metrics"
	"SentimentMonitor/internal/ports"
)

// PollerDeps wires the poller to the monitor that owns the store.
type PollerDeps struct {
	// Store returns the connected store, or nil while disconnected.
	Store func() ports.DocumentStore
	// PushAlive reports whether any change feed is open.
	PushAlive func() bool
	Sink      func(domain.ChangeNotification)
	Logger    *slog.Logger
}

// Poller double-checks the store for pending documents while no change feed
// is available.
type Poller struct {
	store     func() ports.DocumentStore
	pushAlive func() bool
	sink      func(domain.ChangeNotification)
	logger    *slog.Logger
	sources   []domain.Source
	limit     int
}

// NewPoller builds a poller over the given sources.
func NewPoller(deps PollerDeps, sources []domain.Source, limit int) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 50
	}
	return &Poller{
		store:     deps.Store,
		pushAlive: deps.PushAlive,
		sink:      deps.Sink,
		logger:    logger.With("component", "poller"),
		sources:   sources,
		limit:     limit,
	}
}

// Sweep emits one poll notification per pending document and returns how
// many were emitted. It does nothing while any change feed is alive.
func (p *Poller) Sweep(ctx context.Context) int {
	if p.pushAlive != nil && p.pushAlive() {
		return 0
	}
	store := p.store()
	if store == nil {
		return 0
	}
	metrics.PollSweepsTotal.Inc()

	emitted := 0
	for _, src := range p.sources {
		docs, err := store.FindUnanalysed(ctx, src, p.limit)
		if err != nil {
			p.logger.Warn("poll source failed", "source", src.Key, "error", err)
			continue
		}
		if len(docs) == 0 {
			continue
		}

		p.logger.Info("found unanalysed documents by polling", "source", src.Key, "count", len(docs))
		for _, doc := range docs {
			p.sink(domain.ChangeNotification{
				Source:     src.DisplayName,
				DocumentID: doc.ID,
				ChangeType: domain.ChangePoll,
			})
			emitted++
		}
	}
	return emitted
}
