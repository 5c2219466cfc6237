package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"rtcwatch/internal/core/ports"
	"rtcwatch/pkg/utils"
)

const kvSchema = `CREATE TABLE IF NOT EXISTS kv(
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

type SQLiteKeyValueStore struct {
	db *sql.DB
}

func NewSQLiteKeyValueStore(path string) (ports.KeyValueStore, error) {
	db, err := Open(path, kvSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteKeyValueStore{db: db}, nil
}

func (s *SQLiteKeyValueStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteKeyValueStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, utils.UnixMilli())
	return err
}

func (s *SQLiteKeyValueStore) Close() error {
	return s.db.Close()
}
