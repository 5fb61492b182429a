package models

import "time"

// Refresh modes select the instrument universe for a run.
const (
	RefreshModeHoldings = "holdings"
	RefreshModeUniverse = "universe"
)

// Fetch modes override the per-instrument completeness decision.
const (
	FetchModeAuto        = "auto"
	FetchModeBackfill    = "backfill"
	FetchModeIncremental = "incremental"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerResume    = "resume"
)

// Run status constants. Enumeration happens before a run is persisted, so
// the first stored status is "queued".
const (
	RunStatusQueued      = "queued"
	RunStatusDispatching = "dispatching"
	RunStatusPaused      = "paused"
	RunStatusCompleted   = "completed"
	RunStatusCancelled   = "cancelled"
	RunStatusFailed      = "failed"
)

// Outcome kinds.
const (
	OutcomeBackfill = "backfill"
	OutcomeRefresh  = "refresh"
)

// RefreshRun is the persisted status record of one refresh run.
type RefreshRun struct {
	ID        string `json:"id" bson:"_id"`
	Mode      string `json:"mode" bson:"mode"`
	FetchMode string `json:"fetch_mode" bson:"fetch_mode"`
	Trigger   string `json:"trigger" bson:"trigger"`
	Status    string `json:"status" bson:"status"`

	InstrumentIDs      []string `json:"-" bson:"instrument_ids" cbor:"instrument_ids"`
	HeldCount          int      `json:"held_count" bson:"held_count"`
	TotalInstruments   int      `json:"total_instruments" bson:"total_instruments"`
	BatchSize          int      `json:"batch_size" bson:"batch_size"`
	BatchCount         int      `json:"batch_count" bson:"batch_count"`
	PauseMS            int64    `json:"pause_ms" bson:"pause_ms"`
	LastCompletedBatch int      `json:"last_completed_batch" bson:"last_completed_batch"`

	Succeeded       int `json:"succeeded" bson:"succeeded"`
	Failed          int `json:"failed" bson:"failed"`
	NoData          int `json:"no_data" bson:"no_data"`
	Backfilled      int `json:"backfilled" bson:"backfilled"`
	Refreshed       int `json:"refreshed" bson:"refreshed"`
	PrimaryHits     int `json:"primary_hits" bson:"primary_hits"`
	SecondaryHits   int `json:"secondary_hits" bson:"secondary_hits"`
	RecordsUpserted int `json:"records_upserted" bson:"records_upserted"`
	Conflicts       int `json:"conflicts" bson:"conflicts"`

	Errors          []string `json:"errors,omitempty" bson:"errors"`
	Swept           int64    `json:"swept" bson:"swept"`
	CancelRequested bool     `json:"cancel_requested" bson:"cancel_requested"`
	Error           string   `json:"error,omitempty" bson:"error"`

	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	StartedAt   time.Time `json:"started_at" bson:"started_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty" bson:"completed_at"`
}

// Pause returns the inter-batch pause as a duration.
func (r *RefreshRun) Pause() time.Duration {
	return time.Duration(r.PauseMS) * time.Millisecond
}

// IsFinished reports whether the run reached a terminal status.
func (r *RefreshRun) IsFinished() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusCancelled, RunStatusFailed:
		return true
	}
	return false
}

// IsActive reports whether a processor is (or was, before a crash) executing the run.
func (r *RefreshRun) IsActive() bool {
	return r.Status == RunStatusDispatching || r.Status == RunStatusPaused
}

// NextBatch is the index of the first batch not yet completed.
func (r *RefreshRun) NextBatch() int {
	return r.LastCompletedBatch + 1
}

// InstrumentOutcome is the result of processing one instrument within a run.
type InstrumentOutcome struct {
	InstrumentID string
	Symbol       string
	Kind         string // backfill or refresh
	Source       string // provider that supplied the stored records
	Records      int
	Conflicts    int
	NoData       bool
	Err          error
}
