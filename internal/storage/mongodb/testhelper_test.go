package mongodb

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bobmcallan/pricefeed/internal/common"
	tcommon "github.com/bobmcallan/pricefeed/tests/common"
)

// testManager connects to the shared MongoDB container and returns a manager
// on a database unique to the test.
func testManager(t *testing.T) *Manager {
	t.Helper()

	mc := tcommon.StartMongoDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mc.URI()))
	if err != nil {
		t.Fatalf("connect to MongoDB: %v", err)
	}

	sanitized := strings.NewReplacer("/", "_", " ", "_", ".", "_").Replace(t.Name())
	if len(sanitized) > 40 {
		sanitized = sanitized[:40]
	}
	dbName := fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)

	m := newManager(client, client.Database(dbName), testLogger())
	if err := m.ensureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}

	t.Cleanup(func() {
		m.db.Drop(context.Background())
		client.Disconnect(context.Background())
	})

	return m
}

// testLogger returns a silent logger for tests.
func testLogger() *common.Logger {
	return common.NewSilentLogger()
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T {
	return &v
}
