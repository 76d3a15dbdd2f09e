package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"SentimentMonitor/internal/domain"
)

const backlogTimeout = 5 * time.Second

type triggerRequest struct {
	Source   string `json:"source"`
	SearchID string `json:"searchId"`
	Count    int    `json:"count"`
}

type analyseTextRequest struct {
	Text string `json:"text"`
}

type analyseByIDRequest struct {
	PostID string `json:"postId"`
	Source string `json:"source"`
}

type backlogView struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"bySource,omitempty"`
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(c echo.Context) error {
	st := s.monitor.Status()
	if !st.Initialised || !st.StoreConnected {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":      "unavailable",
			"initialised": st.Initialised,
			"dbConnected": st.StoreConnected,
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := map[string]any{
		"success":   true,
		"timestamp": time.Now().UTC(),
		"monitor":   s.monitor.Status(),
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), backlogTimeout)
	defer cancel()

	if pending, err := s.monitor.PendingCounts(ctx); err != nil {
		resp["pendingError"] = err.Error()
	} else {
		resp["pending"] = pending
	}

	if s.sentiment != nil {
		backlog, err := s.sentiment.UnanalysedCount(ctx, "")
		if err != nil {
			s.logger.Warn("status backlog lookup failed", "error", err)
			resp["backlogError"] = err.Error()
		} else {
			resp["backlog"] = backlogView{Total: backlog.Total, BySource: backlog.BySource}
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTrigger(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "message": "invalid request body"})
	}

	result := s.monitor.NotifyScrape(strings.TrimSpace(req.Source), domain.ScrapeInfo{
		SearchID: req.SearchID,
		Count:    req.Count,
		Status:   "external_trigger",
		Origin:   "http",
	})

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Sentiment analysis triggered",
		"result":  result,
	})
}

func (s *Server) handleAnalyseText(c echo.Context) error {
	var req analyseTextRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "message": "text is required"})
	}

	analysis, err := s.sentiment.AnalyseText(c.Request().Context(), req.Text)
	if err != nil {
		s.logger.Warn("analyse text failed", "error", err)
		return c.JSON(http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, analysis)
}

func (s *Server) handleAnalyseByID(c echo.Context) error {
	var req analyseByIDRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.PostID) == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "message": "postId is required"})
	}

	analysis, err := s.sentiment.AnalyseByID(c.Request().Context(), req.PostID, req.Source)
	if err != nil {
		s.logger.Warn("analyse by id failed", "post_id", req.PostID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]any{"success": false, "post_id": req.PostID, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, analysis)
}
