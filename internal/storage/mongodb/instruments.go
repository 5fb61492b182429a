package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// InstrumentStore implements interfaces.InstrumentStore.
type InstrumentStore struct {
	coll   *mongo.Collection
	logger *common.Logger
}

// NewInstrumentStore creates a new InstrumentStore.
func NewInstrumentStore(coll *mongo.Collection, logger *common.Logger) *InstrumentStore {
	return &InstrumentStore{coll: coll, logger: logger}
}

func (s *InstrumentStore) ListInstruments(ctx context.Context) ([]*models.Instrument, error) {
	return s.find(ctx, bson.D{})
}

func (s *InstrumentStore) GetInstruments(ctx context.Context, ids []string) ([]*models.Instrument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
}

func (s *InstrumentStore) GetInstrument(ctx context.Context, id string) (*models.Instrument, error) {
	var inst models.Instrument
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&inst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument %s: %w", id, err)
	}
	return &inst, nil
}

func (s *InstrumentStore) SaveInstrument(ctx context.Context, inst *models.Instrument) error {
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now().UTC()
	}
	_, err := s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: inst.ID}}, inst, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", inst.ID, err)
	}
	return nil
}

// UpdateSector sets the provided sector fields and leaves the rest untouched.
func (s *InstrumentStore) UpdateSector(ctx context.Context, id string, info models.SectorInfo) error {
	if info.IsEmpty() {
		return nil
	}

	set := bson.D{{Key: "updated_at", Value: time.Now().UTC()}}
	if info.Sector != "" {
		set = append(set, bson.E{Key: "sector", Value: info.Sector})
	}
	if info.Industry != "" {
		set = append(set, bson.E{Key: "industry", Value: info.Industry})
	}
	if info.SectorPE != nil {
		set = append(set, bson.E{Key: "sector_pe", Value: *info.SectorPE})
	}
	if info.SymbolPE != nil {
		set = append(set, bson.E{Key: "symbol_pe", Value: *info.SymbolPE})
	}

	if _, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: set}}); err != nil {
		return fmt.Errorf("failed to update sector for %s: %w", id, err)
	}
	return nil
}

func (s *InstrumentStore) find(ctx context.Context, filter bson.D) ([]*models.Instrument, error) {
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "symbol", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	var out []*models.Instrument
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode instruments: %w", err)
	}
	return out, nil
}

var _ interfaces.InstrumentStore = (*InstrumentStore)(nil)
