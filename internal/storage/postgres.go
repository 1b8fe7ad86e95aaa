package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres stores documents in a shared PostgreSQL database.
type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres connects to dsn, creates the documents table if needed and returns a Store.
func NewPostgres(dsn string, opts ...Option) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return newDocStore(&postgres{db: pool}, opts...), nil
}

func initPostgresSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS studio_documents (
		    scope TEXT NOT NULL,                     -- session subject
		    kind TEXT NOT NULL,                      -- draft, artifact, working_copy
		    key TEXT NOT NULL,
		    value JSONB NOT NULL,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (scope, kind, key)
		);

		CREATE INDEX IF NOT EXISTS idx_studio_documents_updated_at ON studio_documents(updated_at DESC);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

func (p *postgres) put(ctx context.Context, scope, kind, key string, value []byte) error {
	// Single upsert: a snapshot is replaced whole or not at all.
	_, err := p.db.Exec(ctx, `
		INSERT INTO studio_documents (scope, kind, key, value, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (scope, kind, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		scope, kind, key, string(value))
	return err
}

func (p *postgres) get(ctx context.Context, scope, kind, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRow(ctx, `
		SELECT value FROM studio_documents
		WHERE scope = $1 AND kind = $2 AND key = $3`,
		scope, kind, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *postgres) del(ctx context.Context, scope, kind, key string) error {
	_, err := p.db.Exec(ctx, `
		DELETE FROM studio_documents
		WHERE scope = $1 AND kind = $2 AND key = $3`,
		scope, kind, key)
	return err
}

func (p *postgres) ping(ctx context.Context) error { return p.db.Ping(ctx) }

func (p *postgres) close() error {
	p.db.Close()
	return nil
}
