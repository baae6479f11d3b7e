// Package onboard brings a newly attached storage to parity with the
// existing ones: it copies every archived object, replays the audit log
// written meanwhile, closes the gap under a short read-only window and
// verifies the result. Each storage's progress is persisted phase by phase
// so a failed or interrupted sync resumes where it stopped.
package onboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/arcstore/arcstore/internal/logging/audit"
	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/sysstate"
	"github.com/arcstore/arcstore/internal/verify"
)

// ErrHalted is returned when stepping a sync that failed and has not been
// continued.
var ErrHalted = errors.New("sync halted")

// Replicator applies copies and replayed operations to a single storage.
// *replication.Coordinator implements it.
type Replicator interface {
	CopyTo(ctx context.Context, target storage.Member, id string, src replication.PayloadSource) (replication.CopyResult, error)
	Replay(ctx context.Context, target storage.Member, a *registry.Audit, src replication.PayloadSource) (bool, error)
}

// Config holds configuration for the Syncer.
type Config struct {
	Store      registry.Store
	Pool       *storage.Pool
	State      *sysstate.State
	Replicator Replicator
	Verifier   *verify.Verifier
	Factory    *storage.Factory // opens adapters in Attach
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Audit      *audit.Logger
	Logger     zerolog.Logger

	// Disabled refuses new and continued syncs with ErrForbiddenByConfig.
	Disabled bool
	// GracePeriod is how long the read-only window waits for writes that
	// were already accepted. It must exceed the longest write; lengthen it
	// if unsure (default: 30s).
	GracePeriod time.Duration
	// SettleTimeout fails the sync if writes keep appearing under
	// read-only for longer than this (default: 10m).
	SettleTimeout    time.Duration
	Workers          int           // concurrent syncs (default: 2)
	BatchSize        int           // registry page size (default: 500)
	CopyRate         float64       // copies and replays per second, 0 for unlimited
	ProgressInterval time.Duration // post-sync check reports (default: 5s)
}

// Syncer runs the onboarding state machine of every storage being attached.
type Syncer struct {
	store      registry.Store
	pool       *storage.Pool
	state      *sysstate.State
	replicator Replicator
	verifier   *verify.Verifier
	factory    *storage.Factory
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	audit      *audit.Logger
	logger     zerolog.Logger

	disabled bool
	grace    time.Duration
	settle   time.Duration
	batch    int
	interval time.Duration
	limiter  *rate.Limiter

	// finalize serializes read-only decisions across syncs.
	finalize sync.Mutex

	mu      sync.Mutex
	running map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New creates a Syncer. Call Start to run syncs in the background.
func New(cfg Config) *Syncer {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.CopyRate > 0 {
		limit = rate.Limit(cfg.CopyRate)
	}
	return &Syncer{
		store:      cfg.Store,
		pool:       cfg.Pool,
		state:      cfg.State,
		replicator: cfg.Replicator,
		verifier:   cfg.Verifier,
		factory:    cfg.Factory,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		audit:      cfg.Audit,
		logger:     cfg.Logger.With().Str("component", "onboard").Logger(),
		disabled:   cfg.Disabled,
		grace:      cfg.GracePeriod,
		settle:     cfg.SettleTimeout,
		batch:      cfg.BatchSize,
		interval:   cfg.ProgressInterval,
		limiter:    rate.NewLimiter(limit, 1),
		running:    make(map[string]bool),
		sem:        make(chan struct{}, cfg.Workers),
	}
}

func (s *Syncer) checkEnabled() error {
	if s.disabled {
		return sysstate.ErrForbiddenByConfig.New("storage onboarding is disabled")
	}
	return nil
}

// Attach opens the storage desc names, checks it answers and starts
// onboarding it.
func (s *Syncer) Attach(ctx context.Context, desc *registry.Storage) error {
	if err := s.checkEnabled(); err != nil {
		return err
	}
	if s.factory == nil {
		return fmt.Errorf("attach %s: no storage factory configured", desc.ID)
	}
	if err := s.checkNew(ctx, desc.ID); err != nil {
		return err
	}
	adapter, err := s.factory.Open(ctx, desc)
	if err != nil {
		return err
	}
	if !adapter.TestConnection(ctx) {
		_ = adapter.Close()
		return storage.Error.Wrap(fmt.Errorf("attach %s: %w", desc.ID, storage.ErrUnreachable))
	}
	return s.AttachAdapter(ctx, desc, adapter)
}

func (s *Syncer) checkNew(ctx context.Context, id string) error {
	if err := storage.ValidName(id); err != nil {
		return err
	}
	_, err := s.store.GetStorage(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("storage %s: %w", id, registry.ErrExists)
	case errors.Is(err, registry.ErrNotFound):
		return nil
	default:
		return err
	}
}

// AttachAdapter starts onboarding desc, served by an adapter the caller
// opened. From this point every new write targets the storage too.
func (s *Syncer) AttachAdapter(ctx context.Context, desc *registry.Storage, adapter storage.Adapter) error {
	if err := s.checkEnabled(); err != nil {
		return err
	}
	if err := s.checkNew(ctx, desc.ID); err != nil {
		return err
	}
	d := desc.Clone()
	d.Reachable = true
	d.Synchronizing = true

	// The status exists before the descriptor is visible to writers.
	st := &registry.SyncStatus{StorageID: d.ID, Phase: registry.PhaseInit}
	if err := s.store.PutSyncStatus(ctx, st); err != nil {
		return err
	}
	s.pool.Add(adapter)
	if err := s.store.PutStorage(ctx, d); err != nil {
		_ = s.pool.Remove(d.ID)
		return err
	}
	s.metrics.SetSyncPhase(d.ID, ordinal(registry.PhaseInit))
	s.audit.LogSyncPhase(d.ID, string(registry.PhaseInit), audit.ResultOK, 0, 0, "storage attached")
	s.logger.Info().Str("storage", d.ID).Str("kind", string(d.Kind)).Msg("storage attached, onboarding")
	s.enqueue(d.ID)
	return nil
}

// Continue resumes a failed sync from where it stopped.
func (s *Syncer) Continue(ctx context.Context, id string) error {
	if err := s.checkEnabled(); err != nil {
		return err
	}
	st, err := s.store.GetSyncStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("sync status %s: %w", id, err)
	}
	switch {
	case st.Phase == registry.PhaseDone:
		return replication.StateError.New("storage %s is already synchronized", id)
	case !st.Failed():
		return sysstate.ErrSyncInProgress.New("storage %s is still synchronizing", id)
	}
	prev := st.Exception
	st.Exception = ""
	if err := s.save(ctx, st); err != nil {
		return err
	}
	s.audit.LogSyncPhase(id, string(st.Phase), audit.ResultOK, st.Done, st.Total, "continued after: "+prev)
	s.logger.Info().Str("storage", id).Str("phase", string(st.Phase)).Msg("sync continued")
	s.enqueue(id)
	return nil
}

// Status returns the sync status of storage id.
func (s *Syncer) Status(ctx context.Context, id string) (*registry.SyncStatus, error) {
	return s.store.GetSyncStatus(ctx, id)
}

// Statuses returns every sync status, oldest first.
func (s *Syncer) Statuses(ctx context.Context) ([]*registry.SyncStatus, error) {
	return s.store.ListSyncStatuses(ctx)
}

// Start resumes interrupted syncs and runs new ones in the background
// until Stop.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	statuses, err := s.store.ListSyncStatuses(ctx)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		s.metrics.SetSyncPhase(st.StorageID, ordinal(st.Phase))
		if st.Phase == registry.PhaseDone || st.Failed() {
			continue
		}
		s.logger.Info().Str("storage", st.StorageID).Str("phase", string(st.Phase)).Msg("resuming interrupted sync")
		s.enqueue(st.StorageID)
	}
	return nil
}

// Stop cancels running syncs and waits for them. Progress is persisted;
// they resume on the next Start.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// enqueue runs the sync of id in the background. Without Start it does
// nothing; the caller runs the sync itself.
func (s *Syncer) enqueue(id string) {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		}
		if err := s.Run(ctx, id); err != nil && ctx.Err() == nil {
			s.logger.Debug().Err(err).Str("storage", id).Msg("sync stopped")
		}
	}()
}

func (s *Syncer) claim(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return sysstate.ErrSyncInProgress.New("sync of %s is already running", id)
	}
	s.running[id] = true
	return nil
}

func (s *Syncer) unclaim(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Run drives the sync of storage id through its remaining phases.
func (s *Syncer) Run(ctx context.Context, id string) error {
	if err := s.claim(id); err != nil {
		return err
	}
	defer s.unclaim(id)
	for {
		phase, err := s.step(ctx, id)
		if err != nil {
			return err
		}
		if phase == registry.PhaseDone {
			return nil
		}
	}
}

// Step runs only the current phase of storage id and advances it. It
// returns the phase the sync is in afterwards.
func (s *Syncer) Step(ctx context.Context, id string) (registry.SyncPhase, error) {
	if err := s.claim(id); err != nil {
		return "", err
	}
	defer s.unclaim(id)
	return s.step(ctx, id)
}

func ordinal(p registry.SyncPhase) int {
	switch p {
	case registry.PhaseInit:
		return 0
	case registry.PhaseCopyingArchived:
		return 1
	case registry.PhasePropagatingOperations:
		return 2
	case registry.PhasePostSyncCheck:
		return 3
	default:
		return 4
	}
}
