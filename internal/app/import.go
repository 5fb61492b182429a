package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

type seedFile struct {
	Instruments []seedInstrument `json:"instruments"`
	Holdings    []seedHolding    `json:"holdings"`
}

type seedInstrument struct {
	ID       string `json:"instrument_id"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Sector   string `json:"sector"`
	Industry string `json:"industry"`
}

type seedHolding struct {
	InstrumentID string `json:"instrument_id"`
	Portfolio    string `json:"portfolio"`
}

// ImportResult counts what a seed import wrote and skipped.
type ImportResult struct {
	Instruments int
	Holdings    int
	Skipped     int
}

// ImportUniverseFromFile reads an instrument master JSON file and writes its
// instruments and holdings to storage. Instruments already stored are left
// alone so sector enrichment is not overwritten.
func ImportUniverseFromFile(ctx context.Context, sm interfaces.StorageManager, logger *common.Logger, filePath string) (ImportResult, error) {
	var result ImportResult

	data, err := os.ReadFile(filePath)
	if err != nil {
		return result, fmt.Errorf("failed to read seed file %s: %w", filePath, err)
	}

	var file seedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return result, fmt.Errorf("failed to parse seed file %s: %w", filePath, err)
	}

	instruments := sm.InstrumentStore()
	now := time.Now().UTC()
	for _, in := range file.Instruments {
		id := strings.TrimSpace(in.ID)
		symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
		if id == "" || symbol == "" {
			result.Skipped++
			continue
		}
		if _, err := instruments.GetInstrument(ctx, id); err == nil {
			result.Skipped++
			continue
		}
		exchange := strings.ToUpper(strings.TrimSpace(in.Exchange))
		if exchange == "" {
			exchange = models.ExchangeNSE
		}
		inst := &models.Instrument{
			ID:        id,
			Name:      in.Name,
			Symbol:    symbol,
			Exchange:  exchange,
			Sector:    in.Sector,
			Industry:  in.Industry,
			UpdatedAt: now,
		}
		if err := instruments.SaveInstrument(ctx, inst); err != nil {
			logger.Warn().Err(err).Str("instrument_id", id).Msg("Failed to save instrument during import")
			result.Skipped++
			continue
		}
		result.Instruments++
	}

	holdings := sm.HoldingStore()
	for _, h := range file.Holdings {
		if strings.TrimSpace(h.InstrumentID) == "" {
			result.Skipped++
			continue
		}
		portfolio := h.Portfolio
		if portfolio == "" {
			portfolio = "default"
		}
		if err := holdings.SaveHolding(ctx, &models.Holding{InstrumentID: h.InstrumentID, Portfolio: portfolio}); err != nil {
			logger.Warn().Err(err).Str("instrument_id", h.InstrumentID).Msg("Failed to save holding during import")
			result.Skipped++
			continue
		}
		result.Holdings++
	}

	logger.Info().
		Int("instruments", result.Instruments).
		Int("holdings", result.Holdings).
		Int("skipped", result.Skipped).
		Str("file", filePath).
		Msg("Universe seed imported")
	return result, nil
}
