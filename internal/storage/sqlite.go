package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    scope       TEXT NOT NULL,
    kind        TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (scope, kind, key)
);
`

// sqliteDocs stores documents in a local SQLite file.
type sqliteDocs struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and returns a Store.
func NewSQLite(path string, opts ...Option) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps upserts serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}
	return newDocStore(&sqliteDocs{db: db}, opts...), nil
}

func (s *sqliteDocs) put(ctx context.Context, scope, kind, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (scope, kind, key, value, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (scope, kind, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, kind, key, string(value))
	return err
}

func (s *sqliteDocs) get(ctx context.Context, scope, kind, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE scope = ? AND kind = ? AND key = ?`,
		scope, kind, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s *sqliteDocs) del(ctx context.Context, scope, kind, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE scope = ? AND kind = ? AND key = ?`,
		scope, kind, key)
	return err
}

func (s *sqliteDocs) ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteDocs) close() error { return s.db.Close() }
