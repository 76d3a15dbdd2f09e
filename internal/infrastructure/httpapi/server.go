package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/ports"
)

// monitorService is what the API needs from the monitor.
type monitorService interface {
	ports.ScrapeNotifier
	Status() domain.MonitorStatus
	PendingCounts(ctx context.Context) (map[string]int, error)
}

// Server exposes monitor status, manual triggers and metrics over HTTP.
type Server struct {
	echo      *echo.Echo
	addr      string
	monitor   monitorService
	sentiment ports.SentimentService
	logger    *slog.Logger
}

// NewServer builds the API and registers its routes.
func NewServer(addr string, monitor monitorService, sentiment ports.SentimentService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		addr:      addr,
		monitor:   monitor,
		sentiment: sentiment,
		logger:    logger.With("component", "httpapi"),
	}
	srv.registerRoutes()
	return srv
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
