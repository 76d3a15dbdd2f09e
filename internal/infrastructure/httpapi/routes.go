package httpapi

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Monitor
	s.echo.GET("/api/monitor/status", s.handleStatus)
	s.echo.POST("/api/monitor/trigger-sentiment", s.handleTrigger)

	// Direct analysis passthrough
	s.echo.POST("/api/sentiment/analyse", s.handleAnalyseText)
	s.echo.POST("/api/sentiment/analyse-by-id", s.handleAnalyseByID)
}
