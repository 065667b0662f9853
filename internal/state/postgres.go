package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/api-publisher/internal/config"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS api_publisher_change_versions (
	source_name    TEXT        NOT NULL,
	target_name    TEXT        NOT NULL,
	change_version BIGINT      NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_name, target_name)
)`

	selectVersionSQL = `SELECT change_version FROM api_publisher_change_versions
WHERE source_name = $1 AND target_name = $2`

	upsertVersionSQL = `INSERT INTO api_publisher_change_versions (source_name, target_name, change_version)
VALUES ($1, $2, $3)
ON CONFLICT (source_name, target_name)
DO UPDATE SET change_version = EXCLUDED.change_version, updated_at = now()`
)

// querier is the subset of *pgxpool.Pool used by the store
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	db    querier
	close func()
}

// NewPostgresStore connects to PostgreSQL and makes sure the change version table exists
func NewPostgresStore(ctx context.Context, cfg *config.DatabaseConfig) (ChangeVersionStore, error) {
	if cfg == nil {
		return nil, errors.New("database configuration is required")
	}

	pool, err := buildConnectionPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := newPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.close = pool.Close

	slog.Info("Change version store connected",
		"host", cfg.Host,
		"database", cfg.Database,
	)
	return store, nil
}

func newPostgresStore(ctx context.Context, db querier) (*postgresStore, error) {
	if _, err := db.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create change version table: %w", err)
	}
	return &postgresStore{db: db}, nil
}

func buildConnectionPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	connStr, err := cfg.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build database connection string: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connMaxLifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func (p *postgresStore) GetProcessedChangeVersion(ctx context.Context, source, target string) (int64, bool, error) {
	var version int64
	err := p.db.QueryRow(ctx, selectVersionSQL, source, target).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query change version: %w", err)
	}
	return version, true, nil
}

func (p *postgresStore) SetProcessedChangeVersion(ctx context.Context, source, target string, version int64) error {
	if _, err := p.db.Exec(ctx, upsertVersionSQL, source, target, version); err != nil {
		return fmt.Errorf("failed to save change version: %w", err)
	}
	return nil
}

func (p *postgresStore) Close() error {
	if p.close != nil {
		slog.Info("Closing change version store")
		p.close()
	}
	return nil
}
