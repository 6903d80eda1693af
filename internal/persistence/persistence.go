// Package persistence re-exports the derived table contract and selects a backend.
package persistence

import (
	"context"
	"fmt"

	"nanolab/internal/config"
	"nanolab/internal/infra/persistence/memory"
	"nanolab/internal/infra/persistence/postgres"
	"nanolab/internal/infra/persistence/sqlite"
	"nanolab/internal/persistence/core"
)

type (
	// Store persists derived tables by name.
	Store = core.Store
	// Record is one stored table.
	Record = core.Record
	// Info summarises a stored table.
	Info = core.Info
	// Transaction mutates a store atomically.
	Transaction = core.Transaction
	// Driver identifies a table store backend.
	Driver = core.Driver
)

var (
	// ErrNotFound is returned for absent tables.
	ErrNotFound = core.ErrNotFound
	// TableName joins a sample and a stage.
	TableName = core.TableName
)

// Open selects a Store implementation from the store configuration section.
func Open(ctx context.Context, cfg config.Store) (Store, error) {
	driver, err := core.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	switch driver {
	case core.DriverMemory:
		return memory.NewStore(), nil
	case core.DriverSQLite:
		return sqlite.NewStore(ctx, cfg.SQLitePath)
	case core.DriverPostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown store driver %s", driver)
}
