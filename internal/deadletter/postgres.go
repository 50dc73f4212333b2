package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS dead_letters (
		stream         TEXT        NOT NULL,
		entry_id       TEXT        NOT NULL,
		consumer_group TEXT        NOT NULL,
		business_key   TEXT,
		correlation_id TEXT,
		reason         TEXT        NOT NULL,
		error          TEXT,
		delivery_count BIGINT      NOT NULL,
		fields         JSONB       NOT NULL,
		failed_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (stream, entry_id)
	)
`

const insertSQL = `
	INSERT INTO dead_letters (stream, entry_id, consumer_group, business_key, correlation_id, reason, error, delivery_count, fields, failed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (stream, entry_id) DO NOTHING
`

// PostgresSink writes dead-lettered entries to a dead_letters table. A
// redelivered entry that is dead-lettered twice is stored once.
type PostgresSink struct {
	db   executor
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresSink{db: pool, pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create dead_letters table: %w", err)
	}
	return nil
}

func (s *PostgresSink) Send(ctx context.Context, rec Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	failedAt := rec.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(ctx, insertSQL,
		rec.Stream, rec.EntryID, rec.Group, nullIfEmpty(rec.BusinessKey), nullIfEmpty(rec.CorrelationID),
		rec.Reason, nullIfEmpty(rec.Error), rec.DeliveryCount, fields, failedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
