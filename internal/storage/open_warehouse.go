package storage

import (
	"context"
	"fmt"

	"github.com/timeline-harvester/internal/config"
)

// WarehouseHandle is an opened warehouse backend that owns its connection
type WarehouseHandle interface {
	Warehouse
	AggregateReader
	Close() error
}

// clickHouseHandle closes the connection the warehouse was built on
type clickHouseHandle struct {
	*ClickHouseWarehouse
	db *ClickHouseDB
}

func (h *clickHouseHandle) Close() error {
	return h.db.Close()
}

// OpenWarehouse connects the configured backend. backend overrides
// cfg.Warehouse.Backend when set. The embedded DuckDB backend creates its
// tables on open; ClickHouse tables come from migrations.
func OpenWarehouse(ctx context.Context, cfg *config.Config, backend string) (WarehouseHandle, error) {
	tables, err := TablesFromConfig(&cfg.Warehouse)
	if err != nil {
		return nil, err
	}
	if backend == "" {
		backend = cfg.Warehouse.Backend
	}

	switch backend {
	case config.WarehouseClickHouse:
		db, err := NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return nil, err
		}
		return &clickHouseHandle{ClickHouseWarehouse: NewClickHouseWarehouse(db, tables), db: db}, nil

	case config.WarehouseDuckDB:
		w, err := NewDuckDBWarehouse(&cfg.Database.DuckDB, tables)
		if err != nil {
			return nil, err
		}
		if err := w.EnsureSchema(ctx); err != nil {
			w.Close()
			return nil, err
		}
		return w, nil

	default:
		return nil, fmt.Errorf("unknown warehouse backend %q", backend)
	}
}
