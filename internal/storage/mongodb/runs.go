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

// RunStore implements interfaces.RunStore on the refresh_runs collection.
type RunStore struct {
	coll   *mongo.Collection
	logger *common.Logger
}

// NewRunStore creates a new RunStore.
func NewRunStore(coll *mongo.Collection, logger *common.Logger) *RunStore {
	return &RunStore{coll: coll, logger: logger}
}

// SaveRun writes every field of the run. A cancel flag already set in storage
// is never cleared, so a cancel request that lands between the executor's
// read and write still takes effect.
func (s *RunStore) SaveRun(ctx context.Context, run *models.RefreshRun) error {
	run.UpdatedAt = time.Now().UTC()

	doc, err := bson.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}
	var fields bson.M
	if err := bson.Unmarshal(doc, &fields); err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}
	delete(fields, "_id")
	delete(fields, "cancel_requested")

	update := bson.D{
		{Key: "$set", Value: fields},
		{Key: "$max", Value: bson.D{{Key: "cancel_requested", Value: run.CancelRequested}}},
	}
	_, err = s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: run.ID}}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (*models.RefreshRun, error) {
	var run models.RefreshRun
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]*models.RefreshRun, error) {
	if limit <= 0 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.D{{Key: "instrument_ids", Value: 0}})
	return s.find(ctx, bson.D{}, opts)
}

func (s *RunStore) ListRunsByStatus(ctx context.Context, statuses ...string) ([]*models.RefreshRun, error) {
	filter := bson.D{{Key: "status", Value: bson.D{{Key: "$in", Value: statuses}}}}
	return s.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

// ClaimRun flips queued to dispatching with a conditional update so two
// processors cannot both claim the same run.
func (s *RunStore) ClaimRun(ctx context.Context, id string) (bool, error) {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "status", Value: models.RunStatusQueued}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: models.RunStatusDispatching},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to claim run %s: %w", id, err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *RunStore) RequestCancel(ctx context.Context, id string) error {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: bson.A{
			models.RunStatusCompleted, models.RunStatusCancelled, models.RunStatusFailed,
		}}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "cancel_requested", Value: true},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	if _, err := s.coll.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to request cancel for run %s: %w", id, err)
	}
	return nil
}

// ResetActiveRuns requeues runs whose processor died mid-run. They resume
// from their last completed batch.
func (s *RunStore) ResetActiveRuns(ctx context.Context) (int, error) {
	filter := bson.D{{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{
		models.RunStatusDispatching, models.RunStatusPaused,
	}}}}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: models.RunStatusQueued},
		{Key: "trigger", Value: models.TriggerResume},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	res, err := s.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to reset active runs: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *RunStore) find(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]*models.RefreshRun, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	var out []*models.RefreshRun
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode runs: %w", err)
	}
	return out, nil
}

var _ interfaces.RunStore = (*RunStore)(nil)
