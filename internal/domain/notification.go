package domain

import (
	"errors"
	"time"
)

// ErrFeedClosed is returned by a change feed that was closed underneath its reader.
var ErrFeedClosed = errors.New("change feed closed")

// ChangeType tells where a change notification came from.
type ChangeType string

const (
	ChangeInsert   ChangeType = "insert"
	ChangePoll     ChangeType = "poll"
	ChangeExternal ChangeType = "external"
)

// OperationInsert is the only feed operation that produces notifications.
const OperationInsert = "INSERT"

// ChangeEvent is a raw event read from a store change feed.
type ChangeEvent struct {
	Operation  string `json:"op"`
	DocumentID string `json:"id"`
}

// ChangeNotification tells the scheduler that new data may exist. It is a
// liveness signal only: the scheduler never counts notifications as work.
type ChangeNotification struct {
	Source     string
	DocumentID string
	ChangeType ChangeType
}

// ScrapeInfo is what external callers report when they stored new documents.
type ScrapeInfo struct {
	SearchID string `json:"searchId,omitempty"`
	Count    int    `json:"count,omitempty"`
	Status   string `json:"status,omitempty"`
	Origin   string `json:"origin,omitempty"`
}

// SchedulerStatus is a point-in-time view of the adaptive scheduler.
type SchedulerStatus struct {
	Active              bool          `json:"isActive"`
	Running             bool          `json:"isRunning"`
	RetryCount          int           `json:"retryCount"`
	LastRunTime         *time.Time    `json:"lastRunTime"`
	LastDataTimestamp   *time.Time    `json:"lastDataTimeStamp"`
	LastProcessedCount  int           `json:"lastProcessedCount"`
	TotalProcessedCount int           `json:"totalProcessedCount"`
	IdleTimeoutActive   bool          `json:"idleTimeoutActive"`
	BatchSize           int           `json:"batchSize"`
	RetryCooldown       time.Duration `json:"cooldownTime"`
}

// NotifyResult acknowledges a notification and reports the scheduler state.
type NotifyResult struct {
	Acknowledged bool            `json:"acknowledged"`
	Status       SchedulerStatus `json:"scheduler"`
}

// MonitorStatus aggregates store, subscription and scheduler state.
type MonitorStatus struct {
	Initialised    bool            `json:"monitorInitialised"`
	StoreConnected bool            `json:"dbConnected"`
	Subscriptions  map[string]bool `json:"changeStreams"`
	ChangesSeen    int64           `json:"dbChanges"`
	LastChange     *time.Time      `json:"lastCheck"`
	Scheduler      SchedulerStatus `json:"sentimentScheduler"`
}
