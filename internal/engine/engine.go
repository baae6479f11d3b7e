// Package engine assembles the archival components from configuration and
// runs their background loops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/zeebo/errs"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/config"
	"github.com/arcstore/arcstore/internal/logging/audit"
	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/onboard"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/registry/sqlite"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/storage/fs"
	"github.com/arcstore/arcstore/internal/storage/s3"
	"github.com/arcstore/arcstore/internal/storage/sftp"
	"github.com/arcstore/arcstore/internal/sysstate"
	"github.com/arcstore/arcstore/internal/verify"
)

// Openers maps each storage kind to its backend.
var Openers = map[registry.StorageKind]storage.BackendOpener{
	registry.KindFS:   fs.Open,
	registry.KindSFTP: sftp.Open,
	registry.KindZFS:  sftp.Open,
	registry.KindS3:   s3.Open,
}

// Engine holds the wired components.
type Engine struct {
	Config      *config.Config
	Algorithm   checksum.Algorithm
	Store       registry.Store
	State       *sysstate.State
	Pool        *storage.Pool
	Factory     *storage.Factory
	Coordinator *replication.Coordinator
	Verifier    *verify.Verifier
	Repairs     *verify.RepairQueue
	Syncer      *onboard.Syncer
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics

	logger  zerolog.Logger
	webhook *notify.WebhookNotifier
	nats    *notify.NATSNotifier
	pending []*registry.Storage // configured but not yet registered
	started bool
	unlock  func() error
}

// Options tune New for embedding and tests.
type Options struct {
	Store   registry.Store // used instead of the configured registry
	Openers map[registry.StorageKind]storage.BackendOpener
}

// New builds an engine from cfg. Registered storages are opened; one that
// cannot be opened is kept as offline so writes needing it are refused.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	alg, err := checksum.ParseAlgorithm(cfg.Checksum.Algorithm)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Config:    cfg,
		Algorithm: alg,
		Metrics:   metrics.Init(nil),
		logger:    logger.With().Str("component", "engine").Logger(),
	}

	e.Store = opts.Store
	if e.Store == nil {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if e.unlock, err = lockDataDir(cfg.DataDir); err != nil {
			return nil, err
		}
		if e.Store, err = openRegistry(cfg); err != nil {
			_ = e.unlock()
			return nil, err
		}
	}
	if err := e.wire(ctx, cfg, logger, opts); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func openRegistry(cfg *config.Config) (registry.Store, error) {
	if cfg.Registry.Driver == "memory" {
		return registry.NewMemoryStore(), nil
	}
	store, err := sqlite.Open(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", cfg.Registry.Path, err)
	}
	return store, nil
}

func (e *Engine) wire(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) error {
	auditLog := audit.NewLogger(logger)
	e.State = sysstate.New(e.Store, logger, e.Metrics)
	if err := e.State.SetMinReplicas(ctx, cfg.System.MinReplicas); err != nil {
		return err
	}
	if err := e.State.SetReachabilityInterval(ctx, cfg.System.ReachabilityInterval.D()); err != nil {
		return err
	}
	if err := e.wireNotifier(cfg, logger); err != nil {
		return err
	}

	openers := opts.Openers
	if openers == nil {
		openers = Openers
	}
	e.Factory = &storage.Factory{
		Openers:    openers,
		CloseDelay: cfg.RemoteCloseDelay.D(),
		BufferSize: int(cfg.Checksum.BufferSize.Bytes()),
		Logger:     logger,
		Metrics:    e.Metrics,
	}
	e.Pool = storage.NewPool(storage.PoolConfig{
		Store:    e.Store,
		State:    e.State,
		Notifier: e.Notifier,
		Metrics:  e.Metrics,
		Logger:   logger,
	})
	if err := e.openStorages(ctx, cfg); err != nil {
		return err
	}

	locks := replication.NewLocks()
	e.Coordinator = replication.New(replication.Config{
		Store:    e.Store,
		Pool:     e.Pool,
		State:    e.State,
		Locks:    locks,
		Notifier: e.Notifier,
		Metrics:  e.Metrics,
		Audit:    auditLog,
		Logger:   logger,
	})
	e.Repairs = verify.NewRepairQueue(verify.RepairConfig{
		Copier:     e.Coordinator,
		Pool:       e.Pool,
		Metrics:    e.Metrics,
		Logger:     logger,
		Workers:    cfg.Verification.RepairWorkers,
		MaxRetries: cfg.Verification.RepairRetries,
	})
	if err := os.MkdirAll(cfg.Verification.SpoolDir, 0o750); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	e.Verifier = verify.New(verify.Config{
		Store:            e.Store,
		Pool:             e.Pool,
		Repairs:          e.Repairs,
		Notifier:         e.Notifier,
		Metrics:          e.Metrics,
		Audit:            auditLog,
		Logger:           logger,
		SpoolDir:         cfg.Verification.SpoolDir,
		BufferSize:       int(cfg.Checksum.BufferSize.Bytes()),
		ProgressInterval: cfg.Verification.ProgressInterval.D(),
	})
	e.Repairs.SetSource(e.Verifier.Open)
	e.Syncer = onboard.New(onboard.Config{
		Store:            e.Store,
		Pool:             e.Pool,
		State:            e.State,
		Replicator:       e.Coordinator,
		Verifier:         e.Verifier,
		Factory:          e.Factory,
		Notifier:         e.Notifier,
		Metrics:          e.Metrics,
		Audit:            auditLog,
		Logger:           logger,
		Disabled:         !cfg.Onboarding.IsEnabled(),
		GracePeriod:      cfg.Onboarding.GracePeriod.D(),
		SettleTimeout:    cfg.Onboarding.SettleTimeout.D(),
		Workers:          cfg.Onboarding.Workers,
		CopyRate:         cfg.Onboarding.CopyRate,
		ProgressInterval: cfg.Onboarding.ProgressInterval.D(),
	})
	return nil
}

func (e *Engine) wireNotifier(cfg *config.Config, logger zerolog.Logger) error {
	var sinks notify.Multi
	if cfg.Notify.LogEnabled() {
		sinks = append(sinks, notify.NewLogNotifier(logger))
	}
	if cfg.Notify.NATS.URL != "" {
		n, err := notify.NewNATSNotifier(notify.NATSConfig{
			URL:     cfg.Notify.NATS.URL,
			Subject: cfg.Notify.NATS.Subject,
			Name:    "arcstore",
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		e.nats = n
		sinks = append(sinks, n)
	}
	if cfg.Notify.Webhook.URL != "" {
		e.webhook = notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:           cfg.Notify.Webhook.URL,
			BatchSize:     cfg.Notify.Webhook.BatchSize,
			FlushInterval: cfg.Notify.Webhook.FlushInterval.D(),
			Timeout:       cfg.Notify.Webhook.Timeout.D(),
			Logger:        logger,
		})
		sinks = append(sinks, e.webhook)
	}
	e.Notifier = sinks
	return nil
}

// openStorages opens every registered storage. On a fresh registry the
// configured storages are registered directly; later additions go through
// onboarding once the engine starts.
func (e *Engine) openStorages(ctx context.Context, cfg *config.Config) error {
	registered, err := e.Store.ListStorages(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(registered))
	for _, d := range registered {
		known[d.ID] = true
	}
	for _, sc := range cfg.Storages {
		if known[sc.ID] {
			continue
		}
		desc, err := sc.Descriptor()
		if err != nil {
			return err
		}
		if len(registered) > 0 {
			e.pending = append(e.pending, desc)
			continue
		}
		desc.Reachable = true
		if err := e.Store.PutStorage(ctx, desc); err != nil {
			return err
		}
		e.logger.Info().Str("storage", desc.ID).Str("kind", string(desc.Kind)).Msg("storage registered")
	}

	all, err := e.Store.ListStorages(ctx)
	if err != nil {
		return err
	}
	for _, desc := range all {
		a, err := e.Factory.Open(ctx, desc)
		if err != nil {
			e.logger.Warn().Err(err).Str("storage", desc.ID).Msg("storage offline")
			a = storage.NewOffline(desc.ID, err)
		}
		e.Pool.Add(a)
	}
	return nil
}

// Recover rolls back operations a crash left in flight and refreshes the
// reachable flags. Start calls it; one-shot commands call it alone.
func (e *Engine) Recover(ctx context.Context) error {
	orphans, err := e.Coordinator.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}
	if len(orphans) > 0 {
		e.logger.Warn().Strs("objects", orphans).Msg("rolling back operations interrupted by a restart")
		if err := e.Coordinator.RollbackOrphans(ctx); err != nil {
			// Left in place; retried on the next start or by an operator rollback.
			e.logger.Error().Err(err).Msg("orphan rollback incomplete")
		}
	}
	if _, err := e.Pool.CheckReachability(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("reachability check failed")
	}
	return nil
}

// Start recovers, then runs the reachability loop, the repair workers,
// interrupted syncs and onboarding of newly configured storages.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}
	if e.webhook != nil {
		e.webhook.Start()
	}
	e.Pool.Start(ctx)
	e.Repairs.Start(ctx)
	if err := e.Syncer.Start(ctx); err != nil {
		return err
	}
	e.started = true

	for _, desc := range e.pending {
		if err := e.Syncer.Attach(ctx, desc); err != nil {
			e.logger.Error().Err(err).Str("storage", desc.ID).Msg("failed to attach configured storage")
		}
	}
	e.pending = nil
	return nil
}

// Pending lists configured storages that are not registered yet.
func (e *Engine) Pending() []*registry.Storage {
	return e.pending
}

// Close stops background work and releases storages and the registry.
func (e *Engine) Close() error {
	if e.started {
		e.Syncer.Stop()
		e.Repairs.Stop()
		e.Pool.Stop()
		e.started = false
	}
	if e.webhook != nil {
		e.webhook.Stop()
	}
	var group errs.Group
	if e.unlock != nil {
		defer func() { _ = e.unlock() }()
	}
	if e.nats != nil {
		group.Add(e.nats.Close())
	}
	if e.Pool != nil {
		group.Add(e.Pool.Close())
	}
	if e.Store != nil {
		group.Add(e.Store.Close())
	}
	return group.Err()
}

// Describe reports every registered storage with its sync status and
// capacity. Capacity errors are reported per storage, not returned.
func (e *Engine) Describe(ctx context.Context) ([]StorageInfo, error) {
	descs, err := e.Store.ListStorages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StorageInfo, 0, len(descs))
	for _, d := range descs {
		info := StorageInfo{Storage: d}
		st, err := e.Store.GetSyncStatus(ctx, d.ID)
		switch {
		case err == nil:
			info.Sync = st
		case !errors.Is(err, registry.ErrNotFound):
			return nil, err
		}
		if a, ok := e.Pool.Get(d.ID); ok {
			c, err := a.Capacity(ctx)
			if err != nil {
				info.CapacityErr = err
			} else {
				info.Capacity = &c
				e.Metrics.UpdateCapacity(d.ID, c.Total, c.Used, c.Free)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// StorageInfo is one line of Describe.
type StorageInfo struct {
	Storage     *registry.Storage
	Sync        *registry.SyncStatus
	Capacity    *storage.Capacity
	CapacityErr error
}
