package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"SentimentMonitor/internal/config"
	"SentimentMonitor/internal/infrastructure/httpapi"
	"SentimentMonitor/internal/infrastructure/relay"
	"SentimentMonitor/internal/infrastructure/scheduler"
	"SentimentMonitor/internal/infrastructure/sentiment"
	"SentimentMonitor/internal/infrastructure/storage"
	"SentimentMonitor/internal/logging"
	"SentimentMonitor/internal/ports"
	"SentimentMonitor/internal/source"
	"SentimentMonitor/internal/usecase"
)

const (
	shutdownTimeout  = 10 * time.Second
	migrationTimeout = 30 * time.Second
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	monitor   *usecase.Monitor
	server    *httpapi.Server
	redis     *goredis.Client
	scrapeSub *relay.ScrapeSubscriber
}

// New builds the monitor, its adapters and the HTTP API without touching the network.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	clock := clockwork.NewRealClock()

	client := sentiment.NewClient(cfg.Sentiment.BaseURL, sentiment.Options{
		APIKey:            cfg.Sentiment.APIKey,
		Timeout:           cfg.Sentiment.Timeout,
		BatchTimeout:      cfg.Sentiment.BatchTimeout,
		RequestsPerSecond: cfg.Sentiment.RequestsPerSecond,
		Burst:             cfg.Sentiment.Burst,
	})

	sched := usecase.NewScheduler(usecase.SchedulerDeps{
		Service: client,
		Clock:   clock,
		Logger:  baseLogger,
	}, usecase.SchedulerConfig{
		BatchSize:      cfg.Scheduler.BatchSize,
		IdleTimeout:    cfg.Scheduler.IdleTimeout,
		CheckInterval:  cfg.Scheduler.CheckInterval,
		BatchPacing:    cfg.Scheduler.BatchPacing,
		BacklogTrigger: cfg.Scheduler.BacklogTrigger,
		StaleRunWindow: cfg.Scheduler.StaleRunWindow,
		Retry: usecase.RetryPolicy{
			MaxAttempts: cfg.Scheduler.MaxRetries,
			Cooldown:    cfg.Scheduler.RetryCooldown,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				baseLogger.Info("sentiment batch retry scheduled", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
	})

	monitor := usecase.NewMonitor(usecase.MonitorDeps{
		Connector: storage.NewPostgresConnector(cfg.Database.DSN, cfg.Database.MaxConns, baseLogger),
		Scheduler: sched,
		Sources:   source.NewRegistry(cfg.DomainSources()...),
		NewRunner: func(interval time.Duration) ports.PeriodicRunner {
			return scheduler.NewIntervalRunner(clock, interval)
		},
		Clock:  clock,
		Logger: baseLogger,
	}, usecase.MonitorConfig{
		ReconnectDelay:      cfg.Monitor.ReconnectDelay,
		ResubscribeDelay:    cfg.Monitor.ResubscribeDelay,
		HealthSweepInterval: cfg.Monitor.HealthSweepInterval,
		PollInterval:        cfg.Monitor.PollInterval,
		PollLimit:           cfg.Monitor.PollLimit,
	})

	application := &Application{
		cfg:     cfg,
		logger:  baseLogger.With("component", "app"),
		monitor: monitor,
		server:  httpapi.NewServer(cfg.HTTP.Addr, monitor, client, baseLogger),
	}

	if cfg.Redis.URL != "" {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		application.redis = goredis.NewClient(opts)
		application.scrapeSub = relay.NewScrapeSubscriber(application.redis, cfg.Redis.Channel, monitor, baseLogger)
	}

	return application, nil
}

// Run serves the API and keeps the monitor alive until ctx is cancelled,
// then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	if a.scrapeSub != nil {
		go a.scrapeSub.Start(ctx)
	}

	// Initialise blocks until the store is reachable; the API answers meanwhile.
	go func() {
		if a.monitor.Initialise(ctx) {
			a.logger.Info("sentiment monitor running")
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, cleaning up")
	case err := <-serverErr:
		if err != nil {
			runErr = err
			a.logger.Error("http server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.shutdown(shutdownCtx))
}

func (a *Application) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := a.monitor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown monitor: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	a.logger.Info("sentiment monitor stopped")
	return errors.Join(errs...)
}

// Migrate creates the configured source tables and their insert triggers.
func Migrate(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	pool, err := storage.OpenPool(ctx, cfg.Database.DSN, int32(cfg.Database.MaxConns))
	if err != nil {
		return err
	}
	defer pool.Close()

	return storage.Migrate(ctx, pool, cfg.DomainSources(), logger)
}
