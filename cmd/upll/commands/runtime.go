package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/upll/pkg/capability"
	"github.com/openfroyo/upll/pkg/commit"
	"github.com/openfroyo/upll/pkg/config"
	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/driver"
	"github.com/openfroyo/upll/pkg/momgr"
	"github.com/openfroyo/upll/pkg/motypes"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/stores"
	"github.com/openfroyo/upll/pkg/telemetry"
)

// runtime is the engine assembled from the configuration file.
type runtime struct {
	cfg      *config.Config
	reg      *registry.Registry
	adapter  datastore.Adapter
	journal  stores.Journal
	tel      *telemetry.Telemetry
	pipeline *commit.Pipeline
	manager  *momgr.Manager
	closers  []func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		log.Debug().Msg("No config file given, using defaults")
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// openStore opens the configured adapter. The SQLite schema is migrated to
// the latest version.
func openStore(ctx context.Context, cfg *config.Config, reg *registry.Registry) (datastore.Adapter, stores.Journal, func(context.Context) error, error) {
	if cfg.Store.Backend == config.BackendMemory {
		mem, err := datastore.NewMemory()
		if err != nil {
			return nil, nil, nil, err
		}
		return mem, stores.NewMemoryJournal(), func(context.Context) error { return nil }, nil
	}

	store, err := stores.NewSQLiteStore(cfg.StoreConfig(), reg, log.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	return store, store, func(context.Context) error { return store.Close() }, nil
}

// openRuntime builds the store, the telemetry bundle and the engine.
// Controller wire drivers are registered by the embedding process; calls to
// controllers without one answer CTRLR_DISCONNECTED.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}

	rt.tel, err = telemetry.NewTelemetry(cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt.closers = append(rt.closers, rt.tel.Shutdown)
	logger := rt.tel.Logger.Zerolog()

	stopMetrics, err := rt.tel.StartMetricsServer()
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	rt.closers = append(rt.closers, stopMetrics)

	rt.reg, err = motypes.Default()
	if err != nil {
		return nil, err
	}
	adapter, journal, closeStore, err := openStore(ctx, cfg, rt.reg)
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	rt.adapter, rt.journal = adapter, journal
	rt.closers = append(rt.closers, closeStore)

	inv, err := cfg.Inventory()
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	table, err := cfg.CapabilityTable()
	if err != nil {
		rt.close(ctx)
		return nil, err
	}

	disp := driver.NewDispatcher(inv, cfg.DriverTimeout(), logger, rt.tel)
	neg := capability.NewNegotiator(rt.reg, table, inv, logger, rt.tel.Metrics)

	rt.pipeline, err = commit.New(commit.Config{
		Registry:    rt.reg,
		Adapter:     adapter,
		Negotiator:  neg,
		Sender:      disp,
		Journal:     journal,
		Telemetry:   rt.tel,
		Logger:      logger,
		Parallelism: cfg.Driver.Parallelism,
	})
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	rt.manager, err = momgr.New(momgr.Config{
		Registry:   rt.reg,
		Adapter:    adapter,
		Pipeline:   rt.pipeline,
		Negotiator: neg,
		Sender:     disp,
		Telemetry:  rt.tel,
		Logger:     logger,
	})
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	return rt, nil
}

// close releases the store and flushes telemetry, last opened first.
func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close runtime")
		}
	}
	rt.closers = nil
}
