package domain

import (
	"encoding/json"
	"errors"
)

var (
	// ErrServiceUnhealthy marks a health check that answered but reported a degraded service.
	ErrServiceUnhealthy = errors.New("sentiment service unhealthy")
	// ErrBatchRejected marks a batch call the service answered with success=false.
	ErrBatchRejected = errors.New("sentiment batch rejected")
)

// HealthyStatus is the status value the analysis service reports when ready.
const HealthyStatus = "healthy"

// HealthStatus is the analysis service liveness report.
type HealthStatus struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
	DB     string `json:"db,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Healthy reports whether the service can take batch work.
func (h HealthStatus) Healthy() bool {
	return h.Status == HealthyStatus
}

// Backlog is the number of documents still waiting for analysis.
type Backlog struct {
	Total    int
	BySource map[string]int
}

// BatchResult summarises one batch-analyze call.
type BatchResult struct {
	Processed int
	Errors    int
	Remaining int
}

// DocumentAnalysis is the answer to an analyze-by-id request.
type DocumentAnalysis struct {
	Success   bool            `json:"success"`
	PostID    string          `json:"post_id"`
	Source    string          `json:"source,omitempty"`
	Sentiment json.RawMessage `json:"sentiment,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TextAnalysis is the answer to a raw text analyze request.
type TextAnalysis struct {
	Success  bool            `json:"success"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
	Error    string          `json:"error,omitempty"`
}
