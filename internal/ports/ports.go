package ports

import (
	"context"
	"time"

	"SentimentMonitor/internal/domain"
)

// ChangeFeed streams change events of one collection until closed.
type ChangeFeed interface {
	Next(ctx context.Context) (domain.ChangeEvent, error)
	Close(ctx context.Context) error
}

// DocumentStore is the shared store the collectors write into.
type DocumentStore interface {
	Ping(ctx context.Context) error
	SourceExists(ctx context.Context, source domain.Source) (bool, error)
	Subscribe(ctx context.Context, source domain.Source) (ChangeFeed, error)
	FindUnanalysed(ctx context.Context, source domain.Source, limit int) ([]domain.SourceDocument, error)
	CountUnanalysed(ctx context.Context, source domain.Source) (int, error)
	Close()
}

// StoreConnector opens a connection to the document store.
type StoreConnector interface {
	Connect(ctx context.Context) (DocumentStore, error)
}

// SentimentService wraps the external analysis service.
type SentimentService interface {
	CheckHealth(ctx context.Context) (domain.HealthStatus, error)
	UnanalysedCount(ctx context.Context, source string) (domain.Backlog, error)
	AnalyseBatch(ctx context.Context, batchSize int) (domain.BatchResult, error)
	AnalyseByID(ctx context.Context, id, source string) (domain.DocumentAnalysis, error)
	AnalyseText(ctx context.Context, text string) (domain.TextAnalysis, error)
}

// ChangeSink receives change notifications from the detection layer.
type ChangeSink interface {
	NotifyNewData(n domain.ChangeNotification) domain.NotifyResult
}

// AnalysisScheduler drives batch analysis from change notifications.
type AnalysisScheduler interface {
	ChangeSink
	Initialise(ctx context.Context)
	Status() domain.SchedulerStatus
	Shutdown(ctx context.Context) error
}

// ScrapeNotifier is what external callers use to report freshly stored documents.
type ScrapeNotifier interface {
	NotifyScrape(sourceKey string, info domain.ScrapeInfo) domain.NotifyResult
}

// PeriodicRunner controls when recurring jobs execute.
type PeriodicRunner interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
