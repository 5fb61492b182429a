package app

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// memStorage is enough of a backend to wire the app without a database.
type memStorage struct {
	mu          sync.Mutex
	instruments map[string]*models.Instrument
	holdings    map[string]bool
	runs        map[string]*models.RefreshRun
	closed      bool
}

func newMemStorage() *memStorage {
	return &memStorage{
		instruments: map[string]*models.Instrument{},
		holdings:    map[string]bool{},
		runs:        map[string]*models.RefreshRun{},
	}
}

func (m *memStorage) InstrumentStore() interfaces.InstrumentStore { return memInstruments{m} }
func (m *memStorage) HoldingStore() interfaces.HoldingStore       { return memHoldings{m} }
func (m *memStorage) PriceStore() interfaces.PriceStore           { return memPrices{} }
func (m *memStorage) RunStore() interfaces.RunStore               { return memRuns{m} }
func (m *memStorage) Ping(context.Context) error                  { return nil }
func (m *memStorage) Close() error {
	m.closed = true
	return nil
}

type memInstruments struct{ m *memStorage }

func (s memInstruments) ListInstruments(context.Context) ([]*models.Instrument, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Instrument
	for _, inst := range s.m.instruments {
		out = append(out, inst)
	}
	return out, nil
}

func (s memInstruments) GetInstruments(ctx context.Context, ids []string) ([]*models.Instrument, error) {
	var out []*models.Instrument
	for _, id := range ids {
		if inst, err := s.GetInstrument(ctx, id); err == nil {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s memInstruments) GetInstrument(_ context.Context, id string) (*models.Instrument, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	inst, ok := s.m.instruments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return inst, nil
}

func (s memInstruments) SaveInstrument(_ context.Context, inst *models.Instrument) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.instruments[inst.ID] = inst
	return nil
}

func (s memInstruments) UpdateSector(context.Context, string, models.SectorInfo) error { return nil }

type memHoldings struct{ m *memStorage }

func (s memHoldings) ListHeldInstrumentIDs(context.Context) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []string
	for key := range s.m.holdings {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (s memHoldings) SaveHolding(_ context.Context, h *models.Holding) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.holdings[h.Portfolio+"/"+h.InstrumentID] = true
	return nil
}

type memPrices struct{}

func (memPrices) Upsert(context.Context, *models.DailyPrice) (models.UpsertResult, error) {
	return models.UpsertResult{Inserted: true}, nil
}
func (memPrices) CountByInstrument(context.Context, string) (int64, error) { return 0, nil }
func (memPrices) DateRange(context.Context, string) (time.Time, time.Time, error) {
	return time.Time{}, time.Time{}, nil
}
func (memPrices) GetPrices(context.Context, string, time.Time, time.Time) ([]*models.DailyPrice, error) {
	return nil, nil
}
func (memPrices) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

type memRuns struct{ m *memStorage }

func (s memRuns) SaveRun(_ context.Context, run *models.RefreshRun) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *run
	s.m.runs[run.ID] = &cp
	return nil
}

func (s memRuns) GetRun(_ context.Context, id string) (*models.RefreshRun, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.runs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s memRuns) ListRuns(context.Context, int) ([]*models.RefreshRun, error) { return nil, nil }
func (s memRuns) ListRunsByStatus(context.Context, ...string) ([]*models.RefreshRun, error) {
	return nil, nil
}
func (s memRuns) ClaimRun(context.Context, string) (bool, error) { return false, nil }
func (s memRuns) RequestCancel(context.Context, string) error    { return nil }
func (s memRuns) ResetActiveRuns(context.Context) (int, error)   { return 0, nil }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const seedJSON = `{
	"instruments": [
		{"instrument_id": "INE002A01018", "name": "Reliance Industries", "symbol": "reliance", "exchange": "nse"},
		{"instrument_id": "INE467B01029", "name": "Tata Consultancy Services", "symbol": "TCS"},
		{"instrument_id": "", "symbol": "BLANK"},
		{"instrument_id": "INE009A01021", "symbol": ""}
	],
	"holdings": [
		{"instrument_id": "INE002A01018", "portfolio": "growth"},
		{"instrument_id": "INE467B01029"},
		{"instrument_id": ""}
	]
}`

func TestImportUniverseFromFile(t *testing.T) {
	sm := newMemStorage()
	path := writeFile(t, "seed.json", seedJSON)

	res, err := ImportUniverseFromFile(context.Background(), sm, common.NewSilentLogger(), path)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Instruments: 2, Holdings: 2, Skipped: 3}, res)

	inst, err := sm.InstrumentStore().GetInstrument(context.Background(), "INE002A01018")
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE", inst.Symbol)
	assert.Equal(t, models.ExchangeNSE, inst.Exchange)

	tcs, err := sm.InstrumentStore().GetInstrument(context.Background(), "INE467B01029")
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeNSE, tcs.Exchange, "exchange defaults to NSE")

	held, err := sm.HoldingStore().ListHeldInstrumentIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"default/INE467B01029", "growth/INE002A01018"}, held)
}

func TestImportUniverseFromFile_KeepsExistingInstruments(t *testing.T) {
	sm := newMemStorage()
	require.NoError(t, sm.InstrumentStore().SaveInstrument(context.Background(), &models.Instrument{
		ID: "INE002A01018", Symbol: "RELIANCE", Exchange: models.ExchangeNSE, Sector: "Energy",
	}))
	path := writeFile(t, "seed.json", seedJSON)

	res, err := ImportUniverseFromFile(context.Background(), sm, common.NewSilentLogger(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Instruments)

	inst, _ := sm.InstrumentStore().GetInstrument(context.Background(), "INE002A01018")
	assert.Equal(t, "Energy", inst.Sector)
}

func TestImportUniverseFromFile_Errors(t *testing.T) {
	sm := newMemStorage()

	_, err := ImportUniverseFromFile(context.Background(), sm, common.NewSilentLogger(), filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read seed file")

	path := writeFile(t, "bad.json", "{not json")
	_, err = ImportUniverseFromFile(context.Background(), sm, common.NewSilentLogger(), path)
	assert.ErrorContains(t, err, "failed to parse seed file")
}

func TestNewApp_WiresServices(t *testing.T) {
	cfg := common.NewDefaultConfig()
	sm := newMemStorage()

	a, err := newApp(cfg, common.NewSilentLogger(), sm)
	require.NoError(t, err)

	assert.NotNil(t, a.Refresh)
	assert.NotNil(t, a.Supervisor)
	assert.NotNil(t, a.Primary)
	assert.NotNil(t, a.Secondary)
	assert.Nil(t, a.scheduler, "scheduler disabled by default")
	assert.False(t, a.StartupTime.IsZero())

	a.Start()
	a.Close()
	assert.True(t, sm.closed)
	assert.Nil(t, a.Storage)
}

func TestNewApp_SchedulerAndSeed(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Scheduler.Enabled = true
	cfg.Storage.SeedFile = writeFile(t, "seed.json", seedJSON)
	sm := newMemStorage()

	a, err := newApp(cfg, common.NewSilentLogger(), sm)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.scheduler)
	assert.Equal(t, 2, a.scheduler.JobCount(), "daily universe run and weekly sweep")
	assert.Len(t, sm.instruments, 2)
}

func TestNewApp_InvalidScheduleFails(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.DailyAt = "not-a-time"
	sm := newMemStorage()

	_, err := newApp(cfg, common.NewSilentLogger(), sm)
	assert.ErrorContains(t, err, "failed to initialize scheduler")
	assert.True(t, sm.closed)
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "explicit.toml", ResolveConfigPath("explicit.toml"))

	t.Setenv("PRICEFEED_CONFIG", "/etc/pricefeed/pricefeed.toml")
	assert.Equal(t, "/etc/pricefeed/pricefeed.toml", ResolveConfigPath(""))
}
