package surrealdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// HoldingStore implements interfaces.HoldingStore using SurrealDB.
type HoldingStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewHoldingStore creates a new HoldingStore.
func NewHoldingStore(db *surrealdb.DB, logger *common.Logger) *HoldingStore {
	return &HoldingStore{db: db, logger: logger}
}

func (s *HoldingStore) ListHeldInstrumentIDs(ctx context.Context) ([]string, error) {
	sql := "SELECT instrument_id FROM " + TableHoldings + " GROUP BY instrument_id"

	type row struct {
		InstrumentID string `json:"instrument_id"`
	}

	results, err := surrealdb.Query[[]row](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list held instruments: %w", err)
	}

	rows := firstResult(results)
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.InstrumentID != "" {
			ids = append(ids, r.InstrumentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *HoldingStore) SaveHolding(ctx context.Context, h *models.Holding) error {
	sql := "UPSERT $rid SET instrument_id = $instrument_id, portfolio = $portfolio"
	vars := map[string]any{
		"rid":           surrealmodels.NewRecordID(TableHoldings, h.Portfolio+"_"+h.InstrumentID),
		"instrument_id": h.InstrumentID,
		"portfolio":     h.Portfolio,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	return nil
}

// Compile-time check
var _ interfaces.HoldingStore = (*HoldingStore)(nil)
