package mongodb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bobmcallan/pricefeed/internal/models"
)

func TestPriceStore_UpsertInsertsThenUpdates(t *testing.T) {
	m := testManager(t)
	store := m.PriceStore()
	ctx := context.Background()

	rec := &models.DailyPrice{
		InstrumentID: "INE002A01018", Symbol: "RELIANCE", Exchange: "NSE",
		Date: day(2026, 10, 14), Open: 2400, High: 2420, Low: 2390, Close: 2410,
		Source: models.SourceSecondary, FetchedAt: time.Now().UTC(),
	}
	res, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.False(t, res.Updated)

	rec.Close = 2415
	res, err = store.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.True(t, res.Updated)

	n, err := store.CountByInstrument(ctx, "INE002A01018")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetPrices(ctx, "INE002A01018", day(2026, 10, 1), day(2026, 10, 31))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2415.0, got[0].Close)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestPriceStore_UpsertDoesNotClearAbsentFields(t *testing.T) {
	m := testManager(t)
	store := m.PriceStore()
	ctx := context.Background()

	full := &models.DailyPrice{
		InstrumentID: "INE467B01029", Symbol: "TCS", Exchange: "NSE",
		Date: day(2026, 10, 14), Open: 4000, High: 4050, Low: 3990, Close: 4020,
		Volume: ptr(int64(1200000)),
		Fundamentals: &models.Fundamentals{
			PETrailing: ptr(29.5),
			MarketCap:  ptr(1.45e13),
		},
		Source: models.SourceSecondary, FetchedAt: time.Now().UTC(),
	}
	_, err := store.Upsert(ctx, full)
	require.NoError(t, err)

	snapshot := &models.DailyPrice{
		InstrumentID: "INE467B01029", Symbol: "TCS", Exchange: "NSE",
		Date: day(2026, 10, 14), Open: 4031, High: 4031, Low: 4031, Close: 4031,
		Fundamentals: &models.Fundamentals{PEForward: ptr(27.0)},
		Source:       models.SourcePrimary, FetchedAt: time.Now().UTC(),
	}
	_, err = store.Upsert(ctx, snapshot)
	require.NoError(t, err)

	got, err := store.GetPrices(ctx, "INE467B01029", day(2026, 10, 14), day(2026, 10, 14))
	require.NoError(t, err)
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, 4031.0, p.Close)
	assert.Equal(t, models.SourcePrimary, p.Source)
	require.NotNil(t, p.Volume)
	assert.Equal(t, int64(1200000), *p.Volume)
	require.NotNil(t, p.Fundamentals)
	assert.Equal(t, 29.5, *p.Fundamentals.PETrailing)
	assert.Equal(t, 1.45e13, *p.Fundamentals.MarketCap)
	assert.Equal(t, 27.0, *p.Fundamentals.PEForward)
}

func TestPriceStore_ConcurrentUpsertsKeepOneRow(t *testing.T) {
	m := testManager(t)
	store := m.PriceStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Upsert(ctx, &models.DailyPrice{
				InstrumentID: "INE009A01021", Symbol: "INFY", Exchange: "NSE",
				Date: day(2026, 10, 14), Open: 1500, High: 1510, Low: 1490, Close: 1500 + float64(i),
				Source: models.SourceSecondary, FetchedAt: time.Now().UTC(),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	n, err := m.db.Collection(CollectionPrices).CountDocuments(ctx, bson.D{{Key: "instrument_id", Value: "INE009A01021"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPriceStore_DateRange(t *testing.T) {
	m := testManager(t)
	store := m.PriceStore()
	ctx := context.Background()

	earliest, latest, err := store.DateRange(ctx, "EMPTY")
	require.NoError(t, err)
	assert.True(t, earliest.IsZero())
	assert.True(t, latest.IsZero())

	for _, d := range []time.Time{day(2026, 10, 13), day(2024, 1, 2), day(2025, 6, 30)} {
		_, err := store.Upsert(ctx, &models.DailyPrice{InstrumentID: "X", Date: d, Close: 1, FetchedAt: time.Now()})
		require.NoError(t, err)
	}

	earliest, latest, err = store.DateRange(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, day(2024, 1, 2), earliest)
	assert.Equal(t, day(2026, 10, 13), latest)
}

func TestPriceStore_DeleteOlderThanBoundary(t *testing.T) {
	m := testManager(t)
	store := m.PriceStore()
	ctx := context.Background()

	cutoff := day(2024, 10, 15)
	dates := []time.Time{cutoff.AddDate(0, 0, -30), cutoff.AddDate(0, 0, -1), cutoff, cutoff.AddDate(0, 0, 1)}
	for _, d := range dates {
		_, err := store.Upsert(ctx, &models.DailyPrice{InstrumentID: "Y", Date: d, Close: 1, FetchedAt: time.Now()})
		require.NoError(t, err)
	}

	deleted, err := store.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = store.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted, "second sweep deletes nothing")

	remaining, err := store.GetPrices(ctx, "Y", day(2000, 1, 1), day(2100, 1, 1))
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, cutoff, remaining[0].Date)
	assert.Equal(t, cutoff.AddDate(0, 0, 1), remaining[1].Date)
}
