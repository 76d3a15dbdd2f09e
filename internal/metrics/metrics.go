package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler Metrics
var (
	// BatchesTotal tracks batch runs by result (success, failure, unhealthy)
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentiment_batches_total",
			Help: "Total sentiment batch runs by result",
		},
		[]string{"result"},
	)

	// BatchDuration tracks how long one batch cycle takes in seconds
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentiment_batch_duration_seconds",
			Help:    "Sentiment batch cycle duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// DocumentsProcessed tracks documents analysed by the external service
	DocumentsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentiment_documents_processed_total",
			Help: "Total documents processed by sentiment batches",
		},
	)

	// Backlog tracks the most recently observed unanalysed count
	Backlog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentiment_backlog_documents",
			Help: "Unanalysed documents reported by the sentiment service",
		},
	)

	// SchedulerActive is 1 while the scheduler is in active mode
	SchedulerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentiment_scheduler_active",
			Help: "Whether the scheduler is active (1) or idle (0)",
		},
	)

	// RetriesTotal tracks scheduled retries after failed batches
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentiment_batch_retries_total",
			Help: "Total retries scheduled after failed batches",
		},
	)
)

// Change Detection Metrics
var (
	// SubscriptionLive is 1 while a source's change subscription is open
	SubscriptionLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_subscription_live",
			Help: "Whether a change subscription is open per source",
		},
		[]string{"source"},
	)

	// SubscriptionReopens tracks scheduled subscription reopen attempts
	SubscriptionReopens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_subscription_reopens_total",
			Help: "Total scheduled subscription reopen attempts by source",
		},
		[]string{"source"},
	)

	// NotificationsTotal tracks change notifications forwarded to the scheduler
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_notifications_total",
			Help: "Total change notifications by source and change type",
		},
		[]string{"source", "change_type"},
	)

	// PollSweepsTotal tracks fallback poller sweeps
	PollSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_poll_sweeps_total",
			Help: "Total fallback poller sweeps",
		},
	)

	// StoreConnected is 1 while the document store is reachable
	StoreConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_store_connected",
			Help: "Whether the document store is connected (1) or not (0)",
		},
	)
)

// Sentiment Service Metrics
var (
	// SentimentRequestDuration tracks external service latency by endpoint
	SentimentRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentiment_request_duration_seconds",
			Help:    "Sentiment service request duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// SentimentRequestErrors tracks failed external service calls by endpoint
	SentimentRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentiment_request_errors_total",
			Help: "Total failed sentiment service requests by endpoint",
		},
		[]string{"endpoint"},
	)
)
