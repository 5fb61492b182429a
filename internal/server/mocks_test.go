package server

import (
	"context"

	"github.com/bobmcallan/pricefeed/internal/app"
	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

type mockSupervisor struct {
	submit   func(ctx context.Context, req interfaces.TriggerRequest) (*models.RefreshRun, error)
	cancel   func(ctx context.Context, id string) (*models.RefreshRun, error)
	getRun   func(ctx context.Context, id string) (*models.RefreshRun, error)
	listRuns func(ctx context.Context, limit int) ([]*models.RefreshRun, error)
}

func (m *mockSupervisor) Submit(ctx context.Context, req interfaces.TriggerRequest) (*models.RefreshRun, error) {
	return m.submit(ctx, req)
}

func (m *mockSupervisor) Cancel(ctx context.Context, id string) (*models.RefreshRun, error) {
	return m.cancel(ctx, id)
}

func (m *mockSupervisor) GetRun(ctx context.Context, id string) (*models.RefreshRun, error) {
	return m.getRun(ctx, id)
}

func (m *mockSupervisor) ListRuns(ctx context.Context, limit int) ([]*models.RefreshRun, error) {
	return m.listRuns(ctx, limit)
}

type mockRefreshService struct {
	interfaces.RefreshService
	sweep    func(ctx context.Context) (int64, error)
	coverage func(ctx context.Context, id string) (*models.Coverage, error)
}

func (m *mockRefreshService) Sweep(ctx context.Context) (int64, error) {
	return m.sweep(ctx)
}

func (m *mockRefreshService) Coverage(ctx context.Context, id string) (*models.Coverage, error) {
	return m.coverage(ctx, id)
}

type mockStorage struct {
	interfaces.StorageManager
	pingErr error
}

func (m *mockStorage) Ping(context.Context) error { return m.pingErr }

func newTestServer(sup interfaces.RunSupervisor, refresh interfaces.RefreshService) *Server {
	logger := common.NewSilentLogger()
	a := &app.App{
		Config:     common.NewDefaultConfig(),
		Logger:     logger,
		Supervisor: sup,
		Refresh:    refresh,
	}
	return NewServer(a)
}
