// Package repository persists usage records to Postgres.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/llm-gateway/internal/cost"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            BIGSERIAL PRIMARY KEY,
	request_id    TEXT NOT NULL UNIQUE,
	bucket        TEXT NOT NULL,
	operation     TEXT NOT NULL,
	model         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL,
	cached        BOOLEAN NOT NULL DEFAULT FALSE,
	fallback      BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms    BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_records_bucket_created_at ON usage_records (bucket, created_at);
`

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

type PostgresUsageRepository struct {
	db *sql.DB
}

var _ cost.Recorder = (*PostgresUsageRepository)(nil)

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

// Migrate creates the usage table when it does not exist yet.
func (r *PostgresUsageRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate usage_records: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Record inserts one row. A record whose request id is already stored is
// ignored, so redelivered records are harmless.
func (r *PostgresUsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, bucket, operation, model, provider, input_tokens, output_tokens,
		                           cached_tokens, cost_usd, cached, fallback, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		record.Bucket,
		record.Operation,
		record.Model,
		record.Provider,
		record.InputTokens,
		record.OutputTokens,
		record.CachedTokens,
		record.CostUSD,
		record.Cached,
		record.Fallback,
		record.LatencyMs,
		record.Timestamp,
	)
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresUsageRepository) GetBucketUsage(ctx context.Context, bucket string, since time.Time) ([]cost.UsageRecord, error) {
	query := `
		SELECT request_id, bucket, operation, model, provider, input_tokens, output_tokens,
		       cached_tokens, cost_usd, cached, fallback, latency_ms, created_at
		FROM usage_records
		WHERE bucket = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, bucket, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []cost.UsageRecord
	for rows.Next() {
		var record cost.UsageRecord
		err := rows.Scan(
			&record.RequestID,
			&record.Bucket,
			&record.Operation,
			&record.Model,
			&record.Provider,
			&record.InputTokens,
			&record.OutputTokens,
			&record.CachedTokens,
			&record.CostUSD,
			&record.Cached,
			&record.Fallback,
			&record.LatencyMs,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *PostgresUsageRepository) GetBucketTotalCost(ctx context.Context, bucket string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE bucket = $1 AND created_at >= $2
	`

	var total float64
	err := r.db.QueryRowContext(ctx, query, bucket, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
