package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrUnknownSource is returned when a source key is not registered.
var ErrUnknownSource = errors.New("unknown source")

// Source describes one collection feeding documents into the shared store.
type Source struct {
	Key         string
	Collection  string
	DisplayName string
}

// Well-known source keys.
const (
	SourceTwitter = "twitter"
	SourceReddit  = "reddit"
	SourceBluesky = "bluesky"
)

// DefaultSources lists the three collections the monitor watches out of the box.
func DefaultSources() []Source {
	return []Source{
		{Key: SourceReddit, Collection: "reddit_posts", DisplayName: "Reddit"},
		{Key: SourceTwitter, Collection: "tweets", DisplayName: "Twitter"},
		{Key: SourceBluesky, Collection: "bluesky_posts", DisplayName: "Bluesky"},
	}
}

// SourceDocument is one ingested post as far as the monitor cares about it.
// Sentiment fields are written only by the external analysis service.
type SourceDocument struct {
	ID              string
	Source          string
	Content         string
	Sentiment       json.RawMessage
	AnalysisFailed  bool
	AnalysisSkipped bool
	CreatedAt       time.Time
}

// Analysed reports whether the document already carries a sentiment result.
func (d SourceDocument) Analysed() bool {
	return len(d.Sentiment) > 0 && string(d.Sentiment) != "null"
}

// Pending reports whether the document still waits for analysis.
func (d SourceDocument) Pending() bool {
	return !d.Analysed() && !d.AnalysisFailed && !d.AnalysisSkipped
}
