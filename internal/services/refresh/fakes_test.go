package refresh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// --- In-memory storage ---

type memStorage struct {
	instruments *memInstruments
	holdings    *memHoldings
	prices      *memPrices
	runs        *memRuns
}

func newMemStorage() *memStorage {
	return &memStorage{
		instruments: &memInstruments{items: map[string]*models.Instrument{}},
		holdings:    &memHoldings{},
		prices:      &memPrices{items: map[string]*models.DailyPrice{}},
		runs:        &memRuns{items: map[string]*models.RefreshRun{}},
	}
}

func (m *memStorage) InstrumentStore() interfaces.InstrumentStore { return m.instruments }
func (m *memStorage) HoldingStore() interfaces.HoldingStore       { return m.holdings }
func (m *memStorage) PriceStore() interfaces.PriceStore           { return m.prices }
func (m *memStorage) RunStore() interfaces.RunStore               { return m.runs }
func (m *memStorage) Ping(context.Context) error                  { return nil }
func (m *memStorage) Close() error                                { return nil }

type memInstruments struct {
	mu      sync.Mutex
	items   map[string]*models.Instrument
	listErr error
}

func (s *memInstruments) ListInstruments(_ context.Context) ([]*models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.Instrument
	for _, inst := range s.items {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *memInstruments) GetInstruments(_ context.Context, ids []string) ([]*models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Instrument
	for _, id := range ids {
		if inst, ok := s.items[id]; ok {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *memInstruments) GetInstrument(_ context.Context, id string) (*models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *memInstruments) SaveInstrument(_ context.Context, inst *models.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.items[inst.ID] = &cp
	return nil
}

func (s *memInstruments) UpdateSector(_ context.Context, id string, info models.SectorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[id]
	if !ok {
		return nil
	}
	if info.Sector != "" {
		inst.Sector = info.Sector
	}
	if info.Industry != "" {
		inst.Industry = info.Industry
	}
	if info.SectorPE != nil {
		inst.SectorPE = info.SectorPE
	}
	if info.SymbolPE != nil {
		inst.SymbolPE = info.SymbolPE
	}
	return nil
}

type memHoldings struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *memHoldings) ListHeldInstrumentIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]string(nil), s.ids...), nil
}

func (s *memHoldings) SaveHolding(_ context.Context, h *models.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.ids {
		if id == h.InstrumentID {
			return nil
		}
	}
	s.ids = append(s.ids, h.InstrumentID)
	sort.Strings(s.ids)
	return nil
}

// memPrices mirrors the stores' merge semantics: only fields that carry a
// value are written, created_at is set once.
type memPrices struct {
	mu        sync.Mutex
	items     map[string]*models.DailyPrice
	conflicts map[string]bool // keys that report a concurrent insert once
	upsertErr error
}

func priceKey(id string, date time.Time) string {
	return id + "|" + date.Format("2006-01-02")
}

func (s *memPrices) Upsert(_ context.Context, rec *models.DailyPrice) (models.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return models.UpsertResult{}, s.upsertErr
	}

	key := priceKey(rec.InstrumentID, rec.Date)
	if s.conflicts[key] {
		delete(s.conflicts, key)
		return models.UpsertResult{Conflict: true}, nil
	}

	existing, ok := s.items[key]
	if !ok {
		cp := *rec
		cp.CreatedAt = time.Now()
		s.items[key] = &cp
		return models.UpsertResult{Inserted: true}, nil
	}

	existing.Symbol, existing.Exchange = rec.Symbol, rec.Exchange
	existing.Open, existing.High, existing.Low, existing.Close = rec.Open, rec.High, rec.Low, rec.Close
	existing.Source, existing.FetchedAt = rec.Source, rec.FetchedAt
	if rec.Volume != nil {
		existing.Volume = rec.Volume
	}
	if rec.AdjClose != nil {
		existing.AdjClose = rec.AdjClose
	}
	if rec.Fundamentals != nil {
		existing.Fundamentals = rec.Fundamentals.Merge(existing.Fundamentals)
	}
	return models.UpsertResult{Updated: true}, nil
}

func (s *memPrices) CountByInstrument(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.items {
		if p.InstrumentID == id {
			n++
		}
	}
	return n, nil
}

func (s *memPrices) DateRange(_ context.Context, id string) (time.Time, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest, latest time.Time
	for _, p := range s.items {
		if p.InstrumentID != id {
			continue
		}
		if earliest.IsZero() || p.Date.Before(earliest) {
			earliest = p.Date
		}
		if p.Date.After(latest) {
			latest = p.Date
		}
	}
	return earliest, latest, nil
}

func (s *memPrices) GetPrices(_ context.Context, id string, from, to time.Time) ([]*models.DailyPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DailyPrice
	for _, p := range s.items {
		if p.InstrumentID == id && !p.Date.Before(from) && !p.Date.After(to) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *memPrices) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, p := range s.items {
		if p.Date.Before(cutoff) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

// snapshot copies stored state for equality checks.
func (s *memPrices) snapshot() map[string]models.DailyPrice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.DailyPrice, len(s.items))
	for k, p := range s.items {
		cp := *p
		cp.FetchedAt = time.Time{}
		out[k] = cp
	}
	return out
}

type memRuns struct {
	mu    sync.Mutex
	items map[string]*models.RefreshRun
	saves int
	err   error
}

func (s *memRuns) SaveRun(_ context.Context, run *models.RefreshRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	cp := *run
	cp.InstrumentIDs = append([]string(nil), run.InstrumentIDs...)
	cp.Errors = append([]string(nil), run.Errors...)
	if prev, ok := s.items[run.ID]; ok && prev.CancelRequested {
		cp.CancelRequested = true
	}
	s.items[run.ID] = &cp
	return nil
}

func (s *memRuns) GetRun(_ context.Context, id string) (*models.RefreshRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.items[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *memRuns) ListRuns(_ context.Context, limit int) ([]*models.RefreshRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RefreshRun
	for _, r := range s.items {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memRuns) ListRunsByStatus(_ context.Context, statuses ...string) ([]*models.RefreshRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RefreshRun
	for _, r := range s.items {
		for _, st := range statuses {
			if r.Status == st {
				cp := *r
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (s *memRuns) ClaimRun(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok || r.Status != models.RunStatusQueued {
		return false, nil
	}
	r.Status = models.RunStatusDispatching
	return true, nil
}

func (s *memRuns) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.items[id]; ok && !r.IsFinished() {
		r.CancelRequested = true
	}
	return nil
}

func (s *memRuns) ResetActiveRuns(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.items {
		if r.IsActive() {
			r.Status = models.RunStatusQueued
			r.Trigger = models.TriggerResume
			n++
		}
	}
	return n, nil
}

// --- Scripted sources ---

type fakePrimary struct {
	mu     sync.Mutex
	quotes map[string]*models.Quote
	err    error
	calls  []string
}

func (f *fakePrimary) Name() string { return models.SourcePrimary }

func (f *fakePrimary) GetQuote(_ context.Context, symbol string) (*models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol)
	if f.err != nil {
		return nil, f.err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return nil, errors.New("symbol not found")
	}
	return q, nil
}

func (f *fakePrimary) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type historyCall struct {
	Symbol   string
	From, To time.Time
}

// fakeSecondary serves a generated weekday series ending at `end`. Each call
// can override the close via closeFor.
type fakeSecondary struct {
	mu       sync.Mutex
	end      time.Time
	days     int // weekdays of history available
	empty    map[string]bool
	fail     map[string]error
	closeFor func(symbol string, date time.Time) float64
	fund     *models.Fundamentals
	calls    []historyCall
	fundHits int
}

func (f *fakeSecondary) Name() string { return models.SourceSecondary }

func (f *fakeSecondary) GetHistory(_ context.Context, symbol, exchange string, from, to time.Time) (*models.PriceSeries, error) {
	f.mu.Lock()
	f.calls = append(f.calls, historyCall{Symbol: symbol, From: from, To: to})
	f.mu.Unlock()

	if err := f.fail[symbol]; err != nil {
		return nil, err
	}
	series := &models.PriceSeries{Symbol: symbol, Exchange: exchange}
	if f.empty[symbol] {
		return series, nil
	}

	var dates []time.Time
	for d := f.end; len(dates) < f.days; d = d.AddDate(0, 0, -1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		dates = append(dates, d)
	}
	for i := len(dates) - 1; i >= 0; i-- {
		d := dates[i]
		if d.Before(from) || d.After(to) {
			continue
		}
		c := 100.0
		if f.closeFor != nil {
			c = f.closeFor(symbol, d)
		}
		vol := int64(1000)
		series.Bars = append(series.Bars, models.PriceBar{Date: d, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: &vol})
	}
	return series, nil
}

func (f *fakeSecondary) GetFundamentals(_ context.Context, _, _ string) (*models.Fundamentals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundHits++
	return f.fund, nil
}

func (f *fakeSecondary) fundamentalsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fundHits
}

func (f *fakeSecondary) historyCalls() []historyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historyCall(nil), f.calls...)
}

// --- Helpers ---

var ist = time.FixedZone("IST", 5*60*60+30*60)

func testConfig() *common.Config {
	cfg := common.NewDefaultConfig()
	cfg.Refresh.BatchSize = 2
	cfg.Refresh.Concurrency = 2
	cfg.Refresh.ItemDelay = "1ms"
	cfg.Refresh.UniversePause = "1ms"
	cfg.Refresh.HoldingsPause = "1ms"
	cfg.Refresh.SessionTimezone = "Asia/Kolkata"
	cfg.Refresh.SessionOpen = "09:15"
	cfg.Refresh.SessionClose = "15:30"
	return cfg
}

func addInstruments(t interface{ Helper() }, store *memStorage, symbols ...string) {
	t.Helper()
	for _, sym := range symbols {
		store.instruments.items["ID_"+sym] = &models.Instrument{ID: "ID_" + sym, Symbol: sym, Exchange: models.ExchangeNSE, Name: sym}
	}
}

func newTestService(store *memStorage, primary interfaces.PrimarySource, secondary interfaces.SecondarySource, cfg *common.Config, now time.Time) *Service {
	svc := NewService(store, primary, secondary, cfg, common.NewSilentLogger())
	clock := func() time.Time { return now }
	svc.now = clock
	svc.classifier.now = clock
	svc.fetcher.now = clock
	svc.sweeper.now = clock
	svc.upserter.now = clock
	return svc
}

func seedPrices(store *memStorage, id string, end time.Time, n int) {
	d := end
	for i := 0; i < n; i++ {
		key := priceKey(id, d)
		store.prices.items[key] = &models.DailyPrice{InstrumentID: id, Date: d, Close: 1, Source: models.SourceSecondary}
		d = d.AddDate(0, 0, -1)
	}
}
