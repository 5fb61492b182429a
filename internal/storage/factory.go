// Package storage selects and opens the configured storage backend.
package storage

import (
	"fmt"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/storage/mongodb"
	"github.com/bobmcallan/pricefeed/internal/storage/surrealdb"
)

// NewStorageManager opens the backend named by config.Storage.Backend.
// Supported backends: "mongodb" (default), "surrealdb".
func NewStorageManager(logger *common.Logger, config *common.Config) (interfaces.StorageManager, error) {
	backend := config.Storage.Backend
	if backend == "" {
		backend = common.BackendMongoDB
	}

	switch backend {
	case common.BackendMongoDB:
		return mongodb.NewManager(logger, config)

	case common.BackendSurrealDB:
		return surrealdb.NewManager(logger, config)

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: %s, %s)", backend, common.BackendMongoDB, common.BackendSurrealDB)
	}
}
