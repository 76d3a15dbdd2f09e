package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/ports"
)

// DefaultChannel is where scrapers announce completed scrapes.
const DefaultChannel = "scrape:completed"

// ScrapeCompleted is the message scrapers publish once their documents are stored.
type ScrapeCompleted struct {
	Source   string `json:"source"`
	SearchID string `json:"searchId,omitempty"`
	Count    int    `json:"count,omitempty"`
	Status   string `json:"status,omitempty"`
}

// ScrapeSubscriber forwards scrape-completed messages to the monitor.
type ScrapeSubscriber struct {
	rdb      *goredis.Client
	channel  string
	notifier ports.ScrapeNotifier
	logger   *slog.Logger
}

// NewScrapeSubscriber builds a subscriber on channel (DefaultChannel when empty).
func NewScrapeSubscriber(rdb *goredis.Client, channel string, notifier ports.ScrapeNotifier, logger *slog.Logger) *ScrapeSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScrapeSubscriber{
		rdb:      rdb,
		channel:  channel,
		notifier: notifier,
		logger:   logger.With("component", "relay", "channel", channel),
	}
}

// Start blocks, relaying messages until ctx is done or the subscription closes.
func (s *ScrapeSubscriber) Start(ctx context.Context) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer func() { _ = pubsub.Close() }()

	s.logger.Info("listening for scrape notifications")

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return
			}
			s.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (s *ScrapeSubscriber) handleMessage(payload string) {
	if payload == "" {
		s.logger.Warn("empty scrape notification")
		return
	}

	var msg ScrapeCompleted
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		// plain payloads name the source only
		msg = ScrapeCompleted{Source: payload}
	}

	res := s.notifier.NotifyScrape(msg.Source, domain.ScrapeInfo{
		SearchID: msg.SearchID,
		Count:    msg.Count,
		Status:   msg.Status,
		Origin:   "redis",
	})
	s.logger.Debug("scrape notification relayed",
		"source", msg.Source, "acknowledged", res.Acknowledged, "scheduler_active", res.Status.Active)
}

// PublishScrapeCompleted announces a completed scrape on channel.
func PublishScrapeCompleted(ctx context.Context, rdb *goredis.Client, channel string, msg ScrapeCompleted) error {
	if channel == "" {
		channel = DefaultChannel
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal scrape notification: %w", err)
	}
	if err := rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish scrape notification: %w", err)
	}
	return nil
}
