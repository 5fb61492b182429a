// Package mongodb implements the storage interfaces on MongoDB.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
)

// Collection names
const (
	CollectionInstruments = "instruments"
	CollectionHoldings    = "holdings"
	CollectionPrices      = "daily_prices"
	CollectionRuns        = "refresh_runs"
)

// priceKeyIndex is the unique (instrument, date) index that makes repeated
// and overlapping fetches safe to re-run.
const priceKeyIndex = "instrument_date_unique"

// Manager implements interfaces.StorageManager using MongoDB.
type Manager struct {
	client *mongo.Client
	db     *mongo.Database
	logger *common.Logger

	instrumentStore *InstrumentStore
	holdingStore    *HoldingStore
	priceStore      *PriceStore
	runStore        *RunStore
}

// NewManager connects to MongoDB, ensures indexes and creates the stores.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	timeout := config.Storage.GetTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(config.Storage.Address).
		SetMaxPoolSize(20).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(timeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	if config.Storage.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: config.Storage.Username,
			Password: config.Storage.Password,
		})
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	m := newManager(client, client.Database(config.Storage.Database), logger)
	if err := m.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info().
		Str("address", config.Storage.Address).
		Str("database", config.Storage.Database).
		Msg("MongoDB storage manager initialized")

	return m, nil
}

func newManager(client *mongo.Client, db *mongo.Database, logger *common.Logger) *Manager {
	return &Manager{
		client:          client,
		db:              db,
		logger:          logger,
		instrumentStore: NewInstrumentStore(db.Collection(CollectionInstruments), logger),
		holdingStore:    NewHoldingStore(db.Collection(CollectionHoldings), logger),
		priceStore:      NewPriceStore(db.Collection(CollectionPrices), logger),
		runStore:        NewRunStore(db.Collection(CollectionRuns), logger),
	}
}

// ensureIndexes creates the indexes every store relies on. CreateMany is a
// no-op for indexes that already exist with the same definition.
func (m *Manager) ensureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		CollectionPrices: {
			{
				Keys:    bson.D{{Key: "instrument_id", Value: 1}, {Key: "date", Value: 1}},
				Options: options.Index().SetUnique(true).SetName(priceKeyIndex),
			},
			{
				Keys:    bson.D{{Key: "date", Value: 1}},
				Options: options.Index().SetName("date_retention"),
			},
		},
		CollectionHoldings: {
			{
				Keys:    bson.D{{Key: "instrument_id", Value: 1}, {Key: "portfolio", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("holding_unique"),
			},
		},
		CollectionInstruments: {
			{
				Keys:    bson.D{{Key: "symbol", Value: 1}},
				Options: options.Index().SetName("symbol"),
			},
		},
		CollectionRuns: {
			{
				Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
				Options: options.Index().SetName("status_created"),
			},
			{
				Keys:    bson.D{{Key: "created_at", Value: -1}},
				Options: options.Index().SetName("created_desc"),
			},
		},
	}

	for coll, idx := range specs {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (m *Manager) InstrumentStore() interfaces.InstrumentStore {
	return m.instrumentStore
}

func (m *Manager) HoldingStore() interfaces.HoldingStore {
	return m.holdingStore
}

func (m *Manager) PriceStore() interfaces.PriceStore {
	return m.priceStore
}

func (m *Manager) RunStore() interfaces.RunStore {
	return m.runStore
}

// Ping verifies the server is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
