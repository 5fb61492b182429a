package refresh

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// Plan is the prioritized, batched order in which a run visits instruments.
type Plan struct {
	InstrumentIDs []string
	HeldCount     int
	BatchSize     int
}

// BatchCount returns the number of batches in the plan.
func (p Plan) BatchCount() int {
	return batchCount(len(p.InstrumentIDs), p.BatchSize)
}

// Batch returns the instrument IDs of batch i.
func Batch(ids []string, batchSize, i int) []string {
	start := i * batchSize
	if batchSize <= 0 || start < 0 || start >= len(ids) {
		return nil
	}
	end := start + batchSize
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end]
}

func batchCount(n, size int) int {
	if size <= 0 || n == 0 {
		return 0
	}
	return (n + size - 1) / size
}

// InstrumentFunc processes one instrument. Failures are reported in the
// outcome, never as a panic or a batch error.
type InstrumentFunc func(ctx context.Context, inst *models.Instrument) models.InstrumentOutcome

// Planner orders instruments into batches and dispatches a batch with
// bounded parallelism and a fixed spacing between dispatches.
type Planner struct {
	concurrency int
	itemDelay   time.Duration
	logger      *common.Logger
}

// NewPlanner creates a planner. concurrency below 1 runs items one at a time.
func NewPlanner(concurrency int, itemDelay time.Duration, logger *common.Logger) *Planner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Planner{concurrency: concurrency, itemDelay: itemDelay, logger: logger}
}

// Plan puts held instruments first and the rest after, each group ordered by
// symbol then ID so the same inputs always give the same plan.
func (p *Planner) Plan(instruments []*models.Instrument, held []string, batchSize int) Plan {
	isHeld := make(map[string]bool, len(held))
	for _, id := range held {
		isHeld[id] = true
	}

	ordered := make([]*models.Instrument, 0, len(instruments))
	seen := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		if inst == nil || seen[inst.ID] {
			continue
		}
		seen[inst.ID] = true
		ordered = append(ordered, inst)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if isHeld[a.ID] != isHeld[b.ID] {
			return isHeld[a.ID]
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.ID < b.ID
	})

	plan := Plan{InstrumentIDs: make([]string, len(ordered)), BatchSize: batchSize}
	for i, inst := range ordered {
		plan.InstrumentIDs[i] = inst.ID
		if isHeld[inst.ID] {
			plan.HeldCount++
		}
	}
	return plan
}

// DispatchBatch runs fn for every instrument in the batch. Dispatches are
// spaced by the item delay and at most concurrency run at once. Outcomes are
// returned in batch order. If ctx ends mid-batch the undispatched items get
// an outcome carrying ctx.Err().
func (p *Planner) DispatchBatch(ctx context.Context, batch []*models.Instrument, fn InstrumentFunc) []models.InstrumentOutcome {
	outcomes := make([]models.InstrumentOutcome, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, inst := range batch {
		if i > 0 && p.itemDelay > 0 {
			if !sleep(gctx, p.itemDelay) {
				markAborted(outcomes[i:], batch[i:], gctx.Err())
				break
			}
		}
		if err := gctx.Err(); err != nil {
			markAborted(outcomes[i:], batch[i:], err)
			break
		}

		g.Go(func() error {
			outcomes[i] = safeProcess(gctx, inst, fn, p.logger)
			return nil
		})
	}

	g.Wait()
	return outcomes
}

// safeProcess turns a panic in fn into a failed outcome.
func safeProcess(ctx context.Context, inst *models.Instrument, fn InstrumentFunc, logger *common.Logger) (out models.InstrumentOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("instrument_id", inst.ID).Interface("panic", r).Msg("Recovered from panic processing instrument")
			out = models.InstrumentOutcome{InstrumentID: inst.ID, Symbol: inst.Symbol, Err: errPanic(r)}
		}
	}()
	return fn(ctx, inst)
}

func markAborted(outcomes []models.InstrumentOutcome, batch []*models.Instrument, err error) {
	for i, inst := range batch {
		outcomes[i] = models.InstrumentOutcome{InstrumentID: inst.ID, Symbol: inst.Symbol, Err: err}
	}
}

// Pause waits d between batches. It returns false when stop is closed or
// ctx ends first.
func Pause(ctx context.Context, d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	return Pause(ctx, d, nil)
}
