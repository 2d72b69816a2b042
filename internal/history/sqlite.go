package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend keeps one row per conversation in a local SQLite file.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path, ensuring that the parent
// directory and the history table exist.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_histories (
			conversation_key TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create conversation_histories: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Read(ctx context.Context, key string) (*Record, error) {
	var raw string
	err := b.db.QueryRowContext(ctx,
		`SELECT record FROM conversation_histories WHERE conversation_key = ?`, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &rec, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, key string, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO conversation_histories (conversation_key, record, updated_at)
		VALUES (?, ?, unixepoch())
		ON CONFLICT(conversation_key) DO UPDATE SET record = excluded.record, updated_at = unixepoch()`,
		key, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}
