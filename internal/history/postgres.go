package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend keeps one row per conversation with the record in a JSONB column.
type PostgresBackend struct {
	db DB
}

func NewPostgresBackend(db DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS conversation_histories (
		conversation_key TEXT PRIMARY KEY,
		record JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// InitSchema creates the history table if it does not exist.
func (b *PostgresBackend) InitSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create conversation_histories: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Read(ctx context.Context, key string) (*Record, error) {
	query := `SELECT record FROM conversation_histories WHERE conversation_key = $1`

	var raw []byte
	err := b.db.QueryRow(ctx, query, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &rec, nil
}

func (b *PostgresBackend) Write(ctx context.Context, key string, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	query := `
		INSERT INTO conversation_histories (conversation_key, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (conversation_key)
		DO UPDATE SET record = EXCLUDED.record, updated_at = now()
	`
	if _, err := b.db.Exec(ctx, query, key, raw); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}
