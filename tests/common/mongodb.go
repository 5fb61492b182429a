package common

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mongoOnce      sync.Once
	mongoContainer *MongoDBContainer
	mongoError     error
)

// MongoDBContainer wraps a testcontainers MongoDB instance.
type MongoDBContainer struct {
	container testcontainers.Container
	host      string
	port      string
}

// StartMongoDB starts a shared single-node MongoDB for the test run. The
// test is skipped when Docker is unavailable.
func StartMongoDB(t *testing.T) *MongoDBContainer {
	t.Helper()

	mongoOnce.Do(func() {
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7.0",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			).WithDeadline(90 * time.Second),
		}

		container, host, port, err := startContainer(context.Background(), req, "27017/tcp")
		if err != nil {
			mongoError = fmt.Errorf("start MongoDB container: %w", err)
			return
		}
		mongoContainer = &MongoDBContainer{container: container, host: host, port: port}
	})

	if mongoError != nil {
		t.Skipf("MongoDB container unavailable: %v", mongoError)
	}

	return mongoContainer
}

// URI returns the connection string for the container.
func (c *MongoDBContainer) URI() string {
	return fmt.Sprintf("mongodb://%s:%s", c.host, c.port)
}

// Cleanup terminates the container.
func (c *MongoDBContainer) Cleanup() {
	if c != nil && c.container != nil {
		c.container.Terminate(context.Background())
	}
}
