package main

import (
	"context"
	"fmt"
	"io"

	"github.com/kimhsiao/tourneysync/internal/archive"
	"github.com/kimhsiao/tourneysync/internal/archive/s3"
	"github.com/kimhsiao/tourneysync/internal/config"
	"github.com/kimhsiao/tourneysync/internal/connectivity"
	"github.com/kimhsiao/tourneysync/internal/db"
	"github.com/kimhsiao/tourneysync/internal/ids"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/remote"
	"github.com/kimhsiao/tourneysync/internal/remote/memory"
	"github.com/kimhsiao/tourneysync/internal/remote/postgres"
	"github.com/kimhsiao/tourneysync/internal/remote/relay"
	tsync "github.com/kimhsiao/tourneysync/internal/sync"
	"github.com/kimhsiao/tourneysync/internal/telemetry"
)

const deviceIDStateKey = "device_id"

// engine is an opened device: its local database, the remote store and the
// orchestrator over both.
type engine struct {
	db     *db.DB
	store  remote.Store
	prober connectivity.Prober
	orch   *tsync.Orchestrator

	closers []io.Closer
}

// Close releases the orchestrator, the remote store and the database.
func (e *engine) Close() {
	e.orch.Close()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			logging.Warn("close failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// openEngine opens the device described by the loaded configuration.
func (c *cli) openEngine(ctx context.Context) (*engine, error) {
	cfg := c.cfg
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	e := &engine{db: database, closers: []io.Closer{database}}
	fail := func(err error) (*engine, error) {
		for i := len(e.closers) - 1; i >= 0; i-- {
			e.closers[i].Close()
		}
		return nil, err
	}

	deviceID, err := resolveDeviceID(ctx, database, cfg.DeviceID)
	if err != nil {
		return fail(err)
	}

	store, err := openRemote(cfg)
	if err != nil {
		return fail(err)
	}
	e.store = store
	if closer, ok := store.(io.Closer); ok {
		e.closers = append(e.closers, closer)
	}

	var archiver archive.Archiver
	if cfg.Archive.S3Enabled {
		a, err := s3.New(ctx, cfg.Archive.S3)
		if err != nil {
			return fail(err)
		}
		archiver = a
	}

	var notifier remote.Subscriber
	if cfg.Remote.RelayURL != "" {
		notifier = relay.NewSubscriber(cfg.Remote.RelayURL, cfg.Sync.Collections...)
	}

	e.prober = c.prober()
	monitor := cfg.MonitorOptions()
	monitor.Initial = e.prober.Probe(ctx)

	orch, err := tsync.New(database, store, tsync.Settings{
		DeviceID: deviceID,
		Options: tsync.Options{
			BatchSize:          cfg.Sync.BatchSize,
			Parallelism:        cfg.Sync.Parallelism,
			PollInterval:       cfg.Sync.PollInterval,
			PushTimeout:        cfg.Sync.PushTimeout,
			Collections:        cfg.Sync.Collections,
			ClockCheckInterval: cfg.Session.ClockCheckInterval,
		},
		Queue:         cfg.QueueConfig(),
		Offline:       cfg.OfflineOptions(),
		Monitor:       monitor,
		Detector:      cfg.DetectorConfig(),
		Session:       cfg.SessionOptions(),
		CacheMaxBytes: cfg.Cache.MaxSizeBytes,
		Archiver:      archiver,
		Notifier:      notifier,
		Metrics:       telemetry.Default(),
	})
	if err != nil {
		return fail(err)
	}
	e.orch = orch
	return e, nil
}

// prober picks the reachability check for the remote store.
func (c *cli) prober() connectivity.Prober {
	if c.assumeOnline || c.cfg.Connectivity.ProbeURL == "" {
		return connectivity.StaticProber{State: connectivity.Online(connectivity.NetworkUnknown)}
	}
	return connectivity.NewHTTPProber(c.cfg.Connectivity.ProbeURL, c.cfg.Connectivity.ProbeTimeout)
}

// openRemote connects the configured remote store.
func openRemote(cfg *config.Config) (remote.Store, error) {
	switch cfg.Remote.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(cfg.Remote.DSN, cfg.Remote.TablePrefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverMemory:
		logging.Warn("using the in-memory remote store; changes are not shared with other devices")
		return memory.New(nil), nil
	}
	return nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
}

// resolveDeviceID returns the configured device ID, or the one generated on
// first use and kept in the local database.
func resolveDeviceID(ctx context.Context, database *db.DB, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := db.GetState(ctx, database, deviceIDStateKey)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = ids.NewDeviceID()
	if err := db.SetState(ctx, database, deviceIDStateKey, id); err != nil {
		return "", err
	}
	logging.Info("generated device id", map[string]interface{}{"device_id": id})
	return id, nil
}

// withEngine opens the engine for the duration of fn.
func (c *cli) withEngine(ctx context.Context, fn func(e *engine) error) error {
	e, err := c.openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}
