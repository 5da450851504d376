package main

import (
	"context"
	"fmt"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/tokenledger/store"
	"github.com/xraph/tokenledger/store/memory"
	"github.com/xraph/tokenledger/store/mongo"
	"github.com/xraph/tokenledger/store/postgres"
	"github.com/xraph/tokenledger/store/sqlite"
)

// openStore builds the backend named by cfg.Driver.
func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil

	case "postgres":
		drv := pgdriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return postgres.New(db), nil

	case "sqlite":
		drv := sqlitedriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return sqlite.New(db), nil

	case "mongo":
		drv := mongodriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		return mongo.New(db), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
