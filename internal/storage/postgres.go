package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// OpenPostgres connects to Postgres with lib/pq and ensures required tables exist.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Open dispatches on driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, path, dsn string) (*sql.DB, Dialect, error) {
	switch driver {
	case "", "sqlite":
		db, err := OpenSQLite(ctx, path)
		return db, SQLite, err
	case "postgres":
		db, err := OpenPostgres(ctx, dsn)
		return db, Postgres, err
	default:
		return nil, SQLite, fmt.Errorf("unsupported database driver %q", driver)
	}
}
