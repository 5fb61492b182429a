package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/models"
)

func ptr[T any](v T) *T {
	return &v
}

func TestUpserter_NormalizesDateAndStampsFetchTime(t *testing.T) {
	store := newMemStorage()
	u := NewUpserter(store.prices, common.NewSilentLogger())
	fetched := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return fetched }

	rec := &models.DailyPrice{InstrumentID: "X", Date: time.Date(2026, 10, 14, 15, 29, 0, 0, ist), Close: 10}
	res, err := u.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	stored := store.prices.items[priceKey("X", day(2026, 10, 14))]
	require.NotNil(t, stored)
	assert.Equal(t, day(2026, 10, 14), stored.Date)
	assert.Equal(t, fetched, stored.FetchedAt)
}

func TestUpserter_RejectsInvalidRecords(t *testing.T) {
	u := NewUpserter(newMemStorage().prices, common.NewSilentLogger())
	ctx := context.Background()

	_, err := u.Upsert(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = u.Upsert(ctx, &models.DailyPrice{Date: day(2026, 10, 14)})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = u.Upsert(ctx, &models.DailyPrice{InstrumentID: "X"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestUpserter_RepeatIsNoOpAndKeepsFields(t *testing.T) {
	store := newMemStorage()
	u := NewUpserter(store.prices, common.NewSilentLogger())
	ctx := context.Background()

	full := &models.DailyPrice{
		InstrumentID: "X", Date: day(2026, 10, 14), Open: 1, High: 2, Low: 0.5, Close: 1.5,
		Volume:       ptr(int64(500)),
		Fundamentals: &models.Fundamentals{PETrailing: ptr(20.0)},
		Source:       models.SourceSecondary,
	}
	_, err := u.Upsert(ctx, full)
	require.NoError(t, err)

	snap := &models.DailyPrice{InstrumentID: "X", Date: day(2026, 10, 14), Open: 1.6, High: 1.6, Low: 1.6, Close: 1.6, Source: models.SourcePrimary}
	res, err := u.Upsert(ctx, snap)
	require.NoError(t, err)
	assert.True(t, res.Updated)

	stored := store.prices.items[priceKey("X", day(2026, 10, 14))]
	assert.Len(t, store.prices.items, 1)
	assert.Equal(t, 1.6, stored.Close)
	require.NotNil(t, stored.Volume)
	assert.Equal(t, int64(500), *stored.Volume)
	require.NotNil(t, stored.Fundamentals)
	assert.Equal(t, 20.0, *stored.Fundamentals.PETrailing)
}

func TestUpserter_EmptyFundamentalsAreDropped(t *testing.T) {
	store := newMemStorage()
	u := NewUpserter(store.prices, common.NewSilentLogger())

	rec := &models.DailyPrice{InstrumentID: "X", Date: day(2026, 10, 14), Close: 1, Fundamentals: &models.Fundamentals{}}
	_, err := u.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.Nil(t, rec.Fundamentals)
}

func TestUpserter_ConflictIsCountedNotReturned(t *testing.T) {
	store := newMemStorage()
	store.prices.conflicts = map[string]bool{priceKey("X", day(2026, 10, 13)): true}
	u := NewUpserter(store.prices, common.NewSilentLogger())

	sum, err := u.UpsertMany(context.Background(), []*models.DailyPrice{
		{InstrumentID: "X", Date: day(2026, 10, 12), Close: 1},
		{InstrumentID: "X", Date: day(2026, 10, 13), Close: 1},
		{InstrumentID: "X", Date: day(2026, 10, 14), Close: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Inserted)
	assert.Equal(t, 1, sum.Conflicts)
	assert.Equal(t, 2, sum.Written())
}

func TestUpserter_StorageErrorStopsBatch(t *testing.T) {
	store := newMemStorage()
	store.prices.upsertErr = errors.New("connection reset")
	u := NewUpserter(store.prices, common.NewSilentLogger())

	_, err := u.UpsertMany(context.Background(), []*models.DailyPrice{
		{InstrumentID: "X", Date: day(2026, 10, 12), Close: 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
