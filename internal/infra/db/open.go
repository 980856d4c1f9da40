// Package db selects the record store backend from configuration.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bryanwahyu/vulnreport/internal/config"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/db/mysql"
	"github.com/bryanwahyu/vulnreport/internal/infra/db/postgres"
	"github.com/bryanwahyu/vulnreport/internal/infra/db/sqlite"
)

// Store is a record repository that can create its own schema.
type Store interface {
	report.Repository
	EnsureSchema(ctx context.Context) error
}

// Open connects the configured driver and makes sure the schema exists. The
// caller owns the returned *sql.DB.
func Open(ctx context.Context, cfg config.StorageConfig) (*sql.DB, Store, error) {
	var (
		conn  *sql.DB
		store Store
		err   error
	)
	switch cfg.Driver {
	case "", "sqlite":
		if conn, err = sqlite.Connect(ctx, cfg.DSN); err == nil {
			store = sqlite.NewRecordRepository(conn)
		}
	case "mysql":
		if conn, err = mysql.Connect(ctx, cfg.DSN); err == nil {
			store = mysql.NewRecordRepository(conn)
		}
	case "postgres":
		if conn, err = postgres.Connect(ctx, cfg.DSN); err == nil {
			store = postgres.NewRecordRepository(conn)
		}
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s connect: %w", cfg.Driver, err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%s schema: %w", cfg.Driver, err)
	}
	return conn, store, nil
}
