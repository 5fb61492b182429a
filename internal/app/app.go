// Package app wires configuration, storage, provider clients and services
// into a runnable process.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/pricefeed/internal/clients/nse"
	"github.com/bobmcallan/pricefeed/internal/clients/yahoo"
	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/scheduler"
	"github.com/bobmcallan/pricefeed/internal/services/jobmanager"
	"github.com/bobmcallan/pricefeed/internal/services/refresh"
	"github.com/bobmcallan/pricefeed/internal/storage"
)

// App holds all initialized services and clients.
type App struct {
	Config     *common.Config
	Logger     *common.Logger
	Storage    interfaces.StorageManager
	Primary    interfaces.PrimarySource
	Secondary  interfaces.SecondarySource
	Refresh    interfaces.RefreshService
	Supervisor interfaces.RunSupervisor

	StartupTime time.Time

	jobManager *jobmanager.Manager
	scheduler  *scheduler.Scheduler
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// ResolveConfigPath returns configPath, else PRICEFEED_CONFIG, else
// pricefeed.toml next to the binary, else config/pricefeed.toml.
func ResolveConfigPath(configPath string) string {
	if configPath == "" {
		configPath = os.Getenv("PRICEFEED_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "pricefeed.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/pricefeed.toml"
		}
	}
	return configPath
}

// NewApp loads configuration and initializes storage, clients and services.
// configPath may be empty, in which case ResolveConfigPath applies.
func NewApp(configPath string) (*App, error) {
	common.LoadVersionFromFile()

	config, err := common.LoadConfig(ResolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return newApp(config, logger, storageManager)
}

// newApp builds the services over an already-open storage manager.
func newApp(config *common.Config, logger *common.Logger, storageManager interfaces.StorageManager) (*App, error) {
	startupStart := time.Now()

	if config.Storage.SeedFile != "" {
		ctx, cancel := context.WithTimeout(context.Background(), config.Storage.GetTimeout())
		_, err := ImportUniverseFromFile(ctx, storageManager, logger, config.Storage.SeedFile)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("Universe seed import failed")
		}
	}

	primary := nse.NewClient(
		nse.WithBaseURL(config.Clients.Primary.BaseURL),
		nse.WithLogger(logger.WithComponent("nse")),
		nse.WithRateLimit(config.Clients.Primary.RateLimit),
		nse.WithTimeout(config.Clients.Primary.GetTimeout()),
	)
	secondary := yahoo.NewClient(
		yahoo.WithBaseURL(config.Clients.Secondary.BaseURL),
		yahoo.WithLogger(logger.WithComponent("yahoo")),
		yahoo.WithRateLimit(config.Clients.Secondary.RateLimit),
		yahoo.WithTimeout(config.Clients.Secondary.GetTimeout()),
	)

	refreshService := refresh.NewService(storageManager, primary, secondary, config, logger.WithComponent("refresh"))
	manager := jobmanager.NewManager(refreshService, storageManager.RunStore(), config.Refresh, logger.WithComponent("supervisor"))

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		Primary:     primary,
		Secondary:   secondary,
		Refresh:     refreshService,
		Supervisor:  manager,
		StartupTime: startupStart,
		jobManager:  manager,
	}

	if config.Scheduler.Enabled {
		sched, err := scheduler.NewScheduler(manager, refreshService, config.Scheduler, logger.WithComponent("scheduler"))
		if err != nil {
			storageManager.Close()
			return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		a.scheduler = sched
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")
	return a, nil
}

// Start launches the run supervisor and, when enabled, the scheduler.
// Runs left unfinished by a previous process resume here.
func (a *App) Start() {
	a.jobManager.Start()
	if a.scheduler != nil {
		a.scheduler.Start()
	}
}

// Close releases all resources held by the App.
// Shutdown order: scheduler, supervisor, storage.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
		a.scheduler = nil
	}
	if a.jobManager != nil {
		a.jobManager.Stop()
		a.jobManager = nil
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
		}
		a.Storage = nil
	}
}
