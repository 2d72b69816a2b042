package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const usageSchema = `
	CREATE TABLE IF NOT EXISTS relay_usage (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		conversation_key TEXT NOT NULL,
		request_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INT NOT NULL DEFAULT 0,
		output_tokens INT NOT NULL DEFAULT 0,
		attempts INT NOT NULL DEFAULT 1,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS relay_usage_conversation_idx ON relay_usage (conversation_key, created_at)
`

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, usageSchema); err != nil {
		return fmt.Errorf("failed to create relay_usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogUsage(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO relay_usage (conversation_key, request_id, provider, model, input_tokens, output_tokens, attempts, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.ConversationKey, rec.RequestID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.Attempts, rec.LatencyMs,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUsageByConversation(ctx context.Context, key string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, conversation_key, request_id, provider, model, input_tokens, output_tokens, attempts, latency_ms, created_at
		FROM relay_usage
		WHERE conversation_key = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.ConversationKey, &r.RequestID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.Attempts, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetTotalTokens(ctx context.Context, key string, from, to time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM relay_usage
		WHERE conversation_key = $1 AND created_at BETWEEN $2 AND $3
	`
	var total int64
	if err := s.db.QueryRow(ctx, query, key, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total tokens: %w", err)
	}
	return total, nil
}
