package objstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps graphs in a single key/value table. Rows are never
// overwritten: a second Put for the same key is a no-op.
type PostgresStore struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS signature_graphs (
  key TEXT PRIMARY KEY,
  content BYTEA NOT NULL,
  created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return false, fmt.Errorf("ensure schema: %w", err)
	}
	var found bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM signature_graphs WHERE key = $1)`, k).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", k, err)
	}
	return found, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, content []byte) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if content == nil {
		content = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO signature_graphs (key, content)
VALUES ($1, $2)
ON CONFLICT (key) DO NOTHING`, k, content)
	if err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT content FROM signature_graphs WHERE key = $1`, k).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}
	return data, nil
}
