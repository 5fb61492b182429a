package mongodb

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// HoldingStore implements interfaces.HoldingStore.
type HoldingStore struct {
	coll   *mongo.Collection
	logger *common.Logger
}

// NewHoldingStore creates a new HoldingStore.
func NewHoldingStore(coll *mongo.Collection, logger *common.Logger) *HoldingStore {
	return &HoldingStore{coll: coll, logger: logger}
}

func (s *HoldingStore) ListHeldInstrumentIDs(ctx context.Context) ([]string, error) {
	values, err := s.coll.Distinct(ctx, "instrument_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list held instruments: %w", err)
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *HoldingStore) SaveHolding(ctx context.Context, h *models.Holding) error {
	filter := bson.D{{Key: "instrument_id", Value: h.InstrumentID}, {Key: "portfolio", Value: h.Portfolio}}
	update := bson.D{{Key: "$set", Value: filter}}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	return nil
}

var _ interfaces.HoldingStore = (*HoldingStore)(nil)
