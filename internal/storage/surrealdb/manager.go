// Package surrealdb implements the storage interfaces on SurrealDB.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
)

// Table names
const (
	TableInstruments = "instruments"
	TableHoldings    = "holdings"
	TablePrices      = "daily_prices"
	TableRuns        = "refresh_runs"
)

// Manager implements interfaces.StorageManager using SurrealDB.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	instrumentStore *InstrumentStore
	holdingStore    *HoldingStore
	priceStore      *PriceStore
	runStore        *RunStore
}

// NewManager creates a new StorageManager connected to SurrealDB.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.Storage.GetTimeout())
	defer cancel()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		db.Close(context.Background())
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		db.Close(context.Background())
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	m := newManager(db, logger)
	if err := m.defineSchema(ctx); err != nil {
		db.Close(context.Background())
		return nil, err
	}

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

func newManager(db *surrealdb.DB, logger *common.Logger) *Manager {
	return &Manager{
		db:              db,
		logger:          logger,
		instrumentStore: NewInstrumentStore(db, logger),
		holdingStore:    NewHoldingStore(db, logger),
		priceStore:      NewPriceStore(db, logger),
		runStore:        NewRunStore(db, logger),
	}
}

// defineSchema creates tables and indexes. Querying a table that was never
// defined is an error on newer SurrealDB releases.
func (m *Manager) defineSchema(ctx context.Context) error {
	statements := []string{
		"DEFINE TABLE IF NOT EXISTS " + TableInstruments + " SCHEMALESS",
		"DEFINE TABLE IF NOT EXISTS " + TableHoldings + " SCHEMALESS",
		"DEFINE TABLE IF NOT EXISTS " + TablePrices + " SCHEMALESS",
		"DEFINE TABLE IF NOT EXISTS " + TableRuns + " SCHEMALESS",
		"DEFINE INDEX IF NOT EXISTS instrument_date_unique ON " + TablePrices + " FIELDS instrument_id, date UNIQUE",
		"DEFINE INDEX IF NOT EXISTS date_retention ON " + TablePrices + " FIELDS date",
		"DEFINE INDEX IF NOT EXISTS holding_instrument ON " + TableHoldings + " FIELDS instrument_id",
		"DEFINE INDEX IF NOT EXISTS run_status ON " + TableRuns + " FIELDS status",
	}
	for _, sql := range statements {
		if _, err := surrealdb.Query[any](ctx, m.db, sql, nil); err != nil {
			return fmt.Errorf("failed to define schema (%s): %w", sql, err)
		}
	}
	return nil
}

func (m *Manager) InstrumentStore() interfaces.InstrumentStore {
	return m.instrumentStore
}

func (m *Manager) HoldingStore() interfaces.HoldingStore {
	return m.holdingStore
}

func (m *Manager) PriceStore() interfaces.PriceStore {
	return m.priceStore
}

func (m *Manager) RunStore() interfaces.RunStore {
	return m.runStore
}

func (m *Manager) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, m.db, "RETURN true", nil); err != nil {
		return fmt.Errorf("SurrealDB ping failed: %w", err)
	}
	return nil
}

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}

// firstResult returns the rows of the first statement of a query response.
func firstResult[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[0].Result
}

type countResult struct {
	Cnt int64 `json:"cnt"`
}

// count runs a "SELECT count() AS cnt ... GROUP ALL" query.
func count(ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) (int64, error) {
	results, err := surrealdb.Query[[]countResult](ctx, db, sql, vars)
	if err != nil {
		return 0, err
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Cnt, nil
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
