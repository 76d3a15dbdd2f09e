package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"SentimentMonitor/internal/domain"
)

const (
	// migrationLockID is a PostgreSQL advisory lock ID ("sentim" in ASCII hex).
	migrationLockID             = 0x73656e74696d
	migrationLockReleaseTimeout = 5 * time.Second
)

const notifyFunction = `CREATE OR REPLACE FUNCTION notify_document_insert() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(TG_TABLE_NAME || '` + insertChannelSuffix + `', json_build_object('op', TG_OP, 'id', NEW.id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`

// Migrate creates the source tables and their insert triggers. It is safe to
// run repeatedly and from several processes at once.
func Migrate(ctx context.Context, pool *pgxpool.Pool, sources []domain.Source, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), migrationLockReleaseTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			logger.Warn("release migration lock", "error", err)
		}
	}()

	for _, stmt := range migrationStatements(sources) {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	logger.Info("migrations applied", "sources", len(sources))
	return nil
}

func migrationStatements(sources []domain.Source) []string {
	stmts := []string{notifyFunction}
	for _, src := range sources {
		table := pgx.Identifier{src.Collection}.Sanitize()
		index := pgx.Identifier{src.Collection + "_pending_idx"}.Sanitize()
		trigger := pgx.Identifier{src.Collection + "_insert_notify"}.Sanitize()

		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL DEFAULT '',
	content_text TEXT NOT NULL DEFAULT '',
	sentiment JSONB,
	sentiment_analysis_failed BOOLEAN NOT NULL DEFAULT false,
	sentiment_analysis_skipped BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at) WHERE sentiment IS NULL`, index, table),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigger, table),
			fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW EXECUTE FUNCTION notify_document_insert()`, trigger, table),
		)
	}
	return stmts
}
