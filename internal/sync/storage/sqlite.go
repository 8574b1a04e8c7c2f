package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sbarhandoff/backend/internal/db"
	apperrors "github.com/sbarhandoff/backend/internal/errors"
)

// SQLite stores values in the kv_store table of the agent database.
type SQLite struct {
	db *db.DB
}

// NewSQLite returns a store over database. The agent migrations must have
// been applied.
func NewSQLite(database *db.DB) *SQLite {
	return &SQLite{db: database}
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT value FROM kv_store WHERE key = ?"), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "read kv_store", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	query := s.db.Rebind(`
	INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write kv_store", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM kv_store WHERE key = ?"), key); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "delete from kv_store", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
