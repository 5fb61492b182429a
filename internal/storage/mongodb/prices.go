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

// PriceStore implements interfaces.PriceStore on the daily_prices collection.
type PriceStore struct {
	coll   *mongo.Collection
	logger *common.Logger
}

// NewPriceStore creates a new PriceStore.
func NewPriceStore(coll *mongo.Collection, logger *common.Logger) *PriceStore {
	return &PriceStore{coll: coll, logger: logger}
}

// Upsert writes one record keyed by (instrument_id, date). Only fields that
// carry a value are set, so a snapshot without volume or fundamentals never
// clears what an earlier fetch stored.
//
// Two writers upserting the same new key can both miss on the find and race
// to insert; the loser gets E11000 from the unique index. That is reported as
// a conflict, not an error: the winner's row holds data for the same day.
func (s *PriceStore) Upsert(ctx context.Context, rec *models.DailyPrice) (models.UpsertResult, error) {
	filter := bson.D{
		{Key: "instrument_id", Value: rec.InstrumentID},
		{Key: "date", Value: rec.Date},
	}
	update := bson.D{
		{Key: "$set", Value: priceSetFields(rec)},
		{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: time.Now().UTC()}}},
	}

	res, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.UpsertResult{Conflict: true}, nil
		}
		return models.UpsertResult{}, fmt.Errorf("failed to upsert price %s %s: %w",
			rec.InstrumentID, rec.Date.Format("2006-01-02"), err)
	}

	return models.UpsertResult{
		Inserted: res.UpsertedCount > 0,
		Updated:  res.MatchedCount > 0,
	}, nil
}

// priceSetFields builds the $set document. Fundamentals use dotted paths so
// each sub-field merges independently.
func priceSetFields(rec *models.DailyPrice) bson.D {
	set := bson.D{
		{Key: "symbol", Value: rec.Symbol},
		{Key: "exchange", Value: rec.Exchange},
		{Key: "open", Value: rec.Open},
		{Key: "high", Value: rec.High},
		{Key: "low", Value: rec.Low},
		{Key: "close", Value: rec.Close},
		{Key: "source", Value: rec.Source},
		{Key: "fetched_at", Value: rec.FetchedAt},
	}
	if rec.Volume != nil {
		set = append(set, bson.E{Key: "volume", Value: *rec.Volume})
	}
	if rec.AdjClose != nil {
		set = append(set, bson.E{Key: "adj_close", Value: *rec.AdjClose})
	}
	if f := rec.Fundamentals; f != nil {
		optional := []struct {
			key string
			val *float64
		}{
			{"fundamentals.pe_trailing", f.PETrailing},
			{"fundamentals.pe_forward", f.PEForward},
			{"fundamentals.market_cap", f.MarketCap},
			{"fundamentals.week52_high", f.Week52High},
			{"fundamentals.week52_low", f.Week52Low},
			{"fundamentals.avg_volume", f.AvgVolume},
		}
		for _, o := range optional {
			if o.val != nil {
				set = append(set, bson.E{Key: o.key, Value: *o.val})
			}
		}
	}
	return set
}

func (s *PriceStore) CountByInstrument(ctx context.Context, instrumentID string) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.D{{Key: "instrument_id", Value: instrumentID}})
	if err != nil {
		return 0, fmt.Errorf("failed to count prices for %s: %w", instrumentID, err)
	}
	return n, nil
}

func (s *PriceStore) DateRange(ctx context.Context, instrumentID string) (time.Time, time.Time, error) {
	earliest, err := s.edgeDate(ctx, instrumentID, 1)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	latest, err := s.edgeDate(ctx, instrumentID, -1)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return earliest, latest, nil
}

func (s *PriceStore) edgeDate(ctx context.Context, instrumentID string, order int) (time.Time, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "date", Value: order}}).
		SetProjection(bson.D{{Key: "date", Value: 1}})

	var doc struct {
		Date time.Time `bson:"date"`
	}
	err := s.coll.FindOne(ctx, bson.D{{Key: "instrument_id", Value: instrumentID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read date range for %s: %w", instrumentID, err)
	}
	return doc.Date.UTC(), nil
}

func (s *PriceStore) GetPrices(ctx context.Context, instrumentID string, from, to time.Time) ([]*models.DailyPrice, error) {
	filter := bson.D{
		{Key: "instrument_id", Value: instrumentID},
		{Key: "date", Value: bson.D{{Key: "$gte", Value: from}, {Key: "$lte", Value: to}}},
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query prices for %s: %w", instrumentID, err)
	}
	var out []*models.DailyPrice
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode prices for %s: %w", instrumentID, err)
	}
	for _, p := range out {
		p.Date = p.Date.UTC()
	}
	return out, nil
}

// DeleteOlderThan hard-deletes records dated strictly before cutoff.
func (s *PriceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "date", Value: bson.D{{Key: "$lt", Value: cutoff}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete prices before %s: %w", cutoff.Format("2006-01-02"), err)
	}
	return res.DeletedCount, nil
}

var _ interfaces.PriceStore = (*PriceStore)(nil)
