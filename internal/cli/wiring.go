package cli

import (
	"fmt"

	"github.com/cargohold-io/cargohold/internal/reconcile"
	"github.com/cargohold-io/cargohold/internal/storage"
)

// openStore connects to the destination store from DATABASE_URL. The caller
// owns the connection and must Close it.
func openStore() (*storage.Connection, *storage.StagingStore, error) {
	cfg := storage.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	conn, err := storage.NewConnection(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := storage.NewStagingStore(conn)
	if err != nil {
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, store, nil
}

// openEngine connects to the store and builds a reconciliation engine over
// it. The caller owns the connection and must Close it.
func openEngine() (*storage.Connection, *reconcile.Engine, error) {
	conn, store, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	engine, err := reconcile.NewEngine(store)
	if err != nil {
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, engine, nil
}
