package storage

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/ports"
)

const insertChannelSuffix = "_inserts"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// pendingFilter matches documents that still need a sentiment annotation.
var pendingFilter = sq.And{
	sq.Eq{"sentiment": nil},
	sq.Expr("sentiment_analysis_failed IS NOT TRUE"),
	sq.Expr("sentiment_analysis_skipped IS NOT TRUE"),
}

// PostgresConnector opens pooled connections to the document store.
type PostgresConnector struct {
	dsn      string
	maxConns int32
	logger   *slog.Logger
}

var _ ports.StoreConnector = (*PostgresConnector)(nil)

// NewPostgresConnector prepares a connector; nothing is dialled until Connect.
func NewPostgresConnector(dsn string, maxConns int, logger *slog.Logger) *PostgresConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresConnector{
		dsn:      dsn,
		maxConns: int32(maxConns),
		logger:   logger.With("component", "storage"),
	}
}

// Connect dials the pool and verifies it with a ping.
func (c *PostgresConnector) Connect(ctx context.Context) (ports.DocumentStore, error) {
	pool, err := OpenPool(ctx, c.dsn, c.maxConns)
	if err != nil {
		return nil, err
	}
	c.logger.Info("document store connected", "max_conns", pool.Config().MaxConns)
	return NewPostgresStore(pool), nil
}

// OpenPool parses the DSN, builds a pgx pool and pings it.
func OpenPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore reads source tables and streams their insert notifications.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ ports.DocumentStore = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks the store is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// SourceExists reports whether the source's table is present.
func (s *PostgresStore) SourceExists(ctx context.Context, source domain.Source) (bool, error) {
	query, args, err := sourceExistsQuery(source.Collection)
	if err != nil {
		return false, err
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", source.Collection, err)
	}
	return n > 0, nil
}

// FindUnanalysed returns up to limit pending documents, oldest first.
func (s *PostgresStore) FindUnanalysed(ctx context.Context, source domain.Source, limit int) ([]domain.SourceDocument, error) {
	query, args, err := findUnanalysedQuery(source.Collection, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unanalysed %s: %w", source.Collection, err)
	}
	defer rows.Close()

	var docs []domain.SourceDocument
	for rows.Next() {
		var (
			doc       domain.SourceDocument
			sentiment []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Source, &doc.Content, &sentiment,
			&doc.AnalysisFailed, &doc.AnalysisSkipped, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if sentiment != nil {
			doc.Sentiment = sentiment
		}
		if doc.Source == "" {
			doc.Source = source.Key
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return docs, nil
}

// CountUnanalysed counts pending documents of one source.
func (s *PostgresStore) CountUnanalysed(ctx context.Context, source domain.Source) (int, error) {
	query, args, err := countUnanalysedQuery(source.Collection)
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unanalysed %s: %w", source.Collection, err)
	}
	return n, nil
}

// Subscribe dedicates one connection to LISTEN on the source's insert channel.
func (s *PostgresStore) Subscribe(ctx context.Context, source domain.Source) (ports.ChangeFeed, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	channel := InsertChannel(source.Collection)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	return &listenFeed{conn: conn.Hijack(), channel: channel}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// InsertChannel is the NOTIFY channel the insert trigger of a table publishes to.
func InsertChannel(collection string) string {
	return collection + insertChannelSuffix
}

func sourceExistsQuery(collection string) (string, []any, error) {
	query, args, err := psql.
		Select("COUNT(*)").
		From("information_schema.tables").
		Where("table_schema = current_schema()").
		Where(sq.Eq{"table_name": collection}).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build exists query: %w", err)
	}
	return query, args, nil
}

func findUnanalysedQuery(collection string, limit int) (string, []any, error) {
	builder := psql.
		Select("id", "platform", "content_text", "sentiment",
			"sentiment_analysis_failed", "sentiment_analysis_skipped", "created_at").
		From(pgx.Identifier{collection}.Sanitize()).
		Where(pendingFilter).
		OrderBy("created_at")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build find query: %w", err)
	}
	return query, args, nil
}

func countUnanalysedQuery(collection string) (string, []any, error) {
	query, args, err := psql.
		Select("COUNT(*)").
		From(pgx.Identifier{collection}.Sanitize()).
		Where(pendingFilter).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build count query: %w", err)
	}
	return query, args, nil
}
