package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/ports"
)

// listenFeed reads NOTIFY payloads from a hijacked connection. It is owned by
// a single reader: Next and Close must not be called concurrently.
type listenFeed struct {
	conn    *pgx.Conn
	channel string
}

var _ ports.ChangeFeed = (*listenFeed)(nil)

// Next blocks until a notification arrives on the feed's channel.
func (f *listenFeed) Next(ctx context.Context) (domain.ChangeEvent, error) {
	for {
		if f.conn.IsClosed() {
			return domain.ChangeEvent{}, domain.ErrFeedClosed
		}

		n, err := f.conn.WaitForNotification(ctx)
		if err != nil {
			if f.conn.IsClosed() && ctx.Err() == nil {
				return domain.ChangeEvent{}, fmt.Errorf("wait on %s: %w: %v", f.channel, domain.ErrFeedClosed, err)
			}
			return domain.ChangeEvent{}, fmt.Errorf("wait on %s: %w", f.channel, err)
		}
		if n.Channel != f.channel {
			continue
		}

		event, ok := decodeEvent(n.Payload)
		if !ok {
			continue
		}
		return event, nil
	}
}

// Close drops the dedicated connection.
func (f *listenFeed) Close(ctx context.Context) error {
	if f.conn.IsClosed() {
		return nil
	}
	if err := f.conn.Close(ctx); err != nil {
		return fmt.Errorf("close %s feed: %w", f.channel, err)
	}
	return nil
}

// decodeEvent parses the trigger payload; bare ids are treated as inserts.
func decodeEvent(payload string) (domain.ChangeEvent, bool) {
	var event domain.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		if payload == "" {
			return domain.ChangeEvent{}, false
		}
		return domain.ChangeEvent{Operation: domain.OperationInsert, DocumentID: payload}, true
	}
	return event, true
}
