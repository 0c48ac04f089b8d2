package sidecar

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/db"
	"github.com/kandev/fleetctl/internal/db/dialect"
)

// Provide builds the configured Store: Redis when cfg.Sidecar.Driver is
// "redis" and a URL is set, otherwise a SQL-backed SQLStore opened
// against cfg.Database (SQLite by default, PostgreSQL when
// cfg.Database.Driver is "postgres").
func Provide(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	if cfg.Sidecar.Driver == "redis" && cfg.Sidecar.RedisURL != "" {
		store, err := NewRedisStore(cfg.Sidecar.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("sidecar redis: %w", err)
		}
		return store, store.Close, nil
	}

	pool, driver, err := openSQLPool(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("sidecar sql: %w", err)
	}
	store, err := NewSQLStore(ctx, pool, driver)
	if err != nil {
		_ = pool.Close()
		return nil, nil, fmt.Errorf("sidecar sql: %w", err)
	}
	return store, store.Close, nil
}

// openSQLPool opens the sidecar's SQL backend, following the teacher's
// single-writer/many-reader split for SQLite and a shared pool for
// PostgreSQL (pgx has no analogous single-writer constraint).
func openSQLPool(cfg config.DatabaseConfig) (*db.Pool, string, error) {
	if cfg.Driver == "postgres" {
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, "", err
		}
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		return db.NewPool(sqlxDB, sqlxDB), dialect.PGX, nil
	}

	path := cfg.Path
	if path == "" {
		path = "./orchestrator.db"
	}
	writerConn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, "", err
	}
	readerConn, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writerConn.Close()
		return nil, "", err
	}
	writer := sqlx.NewDb(writerConn, dialect.SQLite3)
	reader := sqlx.NewDb(readerConn, dialect.SQLite3)
	return db.NewPool(writer, reader), dialect.SQLite3, nil
}
