// Package sysstate guards the process-wide system state: the read-only
// switch, the minimum replica count and the reachability interval.
package sysstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/errs"

	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/registry"
)

// Policy error classes.
var (
	// ErrSyncInProgress rejects an operation that conflicts with an active
	// storage synchronization, including every write while read-only.
	ErrSyncInProgress = errs.Class("synchronization in progress")
	// ErrForbiddenByConfig rejects an operation the current policy disallows.
	ErrForbiddenByConfig = errs.Class("forbidden by config")
)

// State reads and mutates the persisted system state. Mutations are
// serialized so read-modify-write updates never interleave.
type State struct {
	store   registry.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// New creates a State over store. m may be nil.
func New(store registry.Store, logger zerolog.Logger, m *metrics.Metrics) *State {
	return &State{
		store:   store,
		logger:  logger.With().Str("component", "sysstate").Logger(),
		metrics: m,
	}
}

// Get returns the current system state.
func (s *State) Get(ctx context.Context) (registry.SystemState, error) {
	return s.store.GetSystemState(ctx)
}

// CheckWritable fails with ErrSyncInProgress while the system is read-only.
func (s *State) CheckWritable(ctx context.Context) error {
	st, err := s.store.GetSystemState(ctx)
	if err != nil {
		return err
	}
	if st.ReadOnly {
		return ErrSyncInProgress.New("system is read-only")
	}
	return nil
}

// SetReadOnly flips the read-only switch.
func (s *State) SetReadOnly(ctx context.Context, on bool) error {
	return s.update(ctx, func(st *registry.SystemState) {
		st.ReadOnly = on
	})
}

// SetMinReplicas changes the minimum number of reachable storages a write needs.
func (s *State) SetMinReplicas(ctx context.Context, n int) error {
	if n < 1 {
		return ErrForbiddenByConfig.New("min replicas must be at least 1, got %d", n)
	}
	return s.update(ctx, func(st *registry.SystemState) {
		st.MinReplicas = n
	})
}

// SetReachabilityInterval changes how often storages are pinged.
func (s *State) SetReachabilityInterval(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ErrForbiddenByConfig.New("reachability interval must be positive, got %s", d)
	}
	return s.update(ctx, func(st *registry.SystemState) {
		st.ReachabilityInterval = d
	})
}

func (s *State) update(ctx context.Context, fn func(*registry.SystemState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.GetSystemState(ctx)
	if err != nil {
		return err
	}
	before := st
	fn(&st)
	if st == before {
		return nil
	}
	if err := s.store.PutSystemState(ctx, st); err != nil {
		return err
	}
	if st.ReadOnly != before.ReadOnly {
		s.metrics.SetReadOnly(st.ReadOnly)
		s.logger.Info().Bool("read_only", st.ReadOnly).Msg("read-only switch changed")
	}
	return nil
}
