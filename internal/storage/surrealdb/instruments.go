package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

const instrumentSelectFields = "instrument_id, name, symbol, exchange, sector, industry, sector_pe, symbol_pe, updated_at"

// InstrumentStore implements interfaces.InstrumentStore using SurrealDB.
type InstrumentStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewInstrumentStore creates a new InstrumentStore.
func NewInstrumentStore(db *surrealdb.DB, logger *common.Logger) *InstrumentStore {
	return &InstrumentStore{db: db, logger: logger}
}

func (s *InstrumentStore) ListInstruments(ctx context.Context) ([]*models.Instrument, error) {
	sql := "SELECT " + instrumentSelectFields + " FROM " + TableInstruments + " ORDER BY symbol ASC"
	return s.query(ctx, sql, nil)
}

func (s *InstrumentStore) GetInstruments(ctx context.Context, ids []string) ([]*models.Instrument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sql := "SELECT " + instrumentSelectFields + " FROM " + TableInstruments + " WHERE instrument_id IN $ids ORDER BY symbol ASC"
	return s.query(ctx, sql, map[string]any{"ids": ids})
}

func (s *InstrumentStore) GetInstrument(ctx context.Context, id string) (*models.Instrument, error) {
	sql := "SELECT " + instrumentSelectFields + " FROM $rid"
	list, err := s.query(ctx, sql, map[string]any{"rid": surrealmodels.NewRecordID(TableInstruments, id)})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("instrument %s: %w", id, models.ErrNotFound)
	}
	return list[0], nil
}

func (s *InstrumentStore) SaveInstrument(ctx context.Context, inst *models.Instrument) error {
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now().UTC()
	}

	sql := `UPSERT $rid SET
		instrument_id = $instrument_id, name = $name, symbol = $symbol, exchange = $exchange,
		sector = $sector, industry = $industry, sector_pe = $sector_pe, symbol_pe = $symbol_pe,
		updated_at = $updated_at`
	vars := map[string]any{
		"rid":           surrealmodels.NewRecordID(TableInstruments, inst.ID),
		"instrument_id": inst.ID,
		"name":          inst.Name,
		"symbol":        inst.Symbol,
		"exchange":      inst.Exchange,
		"sector":        inst.Sector,
		"industry":      inst.Industry,
		"sector_pe":     inst.SectorPE,
		"symbol_pe":     inst.SymbolPE,
		"updated_at":    inst.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", inst.ID, err)
	}
	return nil
}

func (s *InstrumentStore) UpdateSector(ctx context.Context, id string, info models.SectorInfo) error {
	if info.IsEmpty() {
		return nil
	}

	vars := map[string]any{
		"rid": surrealmodels.NewRecordID(TableInstruments, id),
		"now": time.Now().UTC(),
	}
	sets := []string{"updated_at = $now"}
	if info.Sector != "" {
		sets = append(sets, "sector = $sector")
		vars["sector"] = info.Sector
	}
	if info.Industry != "" {
		sets = append(sets, "industry = $industry")
		vars["industry"] = info.Industry
	}
	if info.SectorPE != nil {
		sets = append(sets, "sector_pe = $sector_pe")
		vars["sector_pe"] = *info.SectorPE
	}
	if info.SymbolPE != nil {
		sets = append(sets, "symbol_pe = $symbol_pe")
		vars["symbol_pe"] = *info.SymbolPE
	}

	// UPDATE on a record id that does not exist is a no-op
	sql := "UPDATE $rid SET " + strings.Join(sets, ", ")
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update sector for %s: %w", id, err)
	}
	return nil
}

func (s *InstrumentStore) query(ctx context.Context, sql string, vars map[string]any) ([]*models.Instrument, error) {
	results, err := surrealdb.Query[[]models.Instrument](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	rows := firstResult(results)
	out := make([]*models.Instrument, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// Compile-time check
var _ interfaces.InstrumentStore = (*InstrumentStore)(nil)
