// Package replication coordinates object writes across every attached
// storage: the object state machine, the all-or-nothing write protocol with
// rollback, the per-object lock registry and crash orphan recovery.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arcstore/arcstore/internal/logging/audit"
	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/sysstate"
)

// Operation names used in logs, metrics and errors.
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpRemove   = "remove"
	OpRenew    = "renew"
	OpRollback = "rollback"
	OpRetry    = "retry"
)

// Config holds configuration for the Coordinator.
type Config struct {
	Store    registry.Store
	Pool     *storage.Pool
	State    *sysstate.State
	Locks    *Locks // shared with other components touching objects (default: new)
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Audit    *audit.Logger
	Logger   zerolog.Logger
	// CleanupTimeout bounds rollback and registry updates that run after the
	// caller's context is gone (default: 2m).
	CleanupTimeout time.Duration
}

// Coordinator runs object operations across all attached storages.
type Coordinator struct {
	store    registry.Store
	pool     *storage.Pool
	state    *sysstate.State
	locks    *Locks
	notifier notify.Notifier
	metrics  *metrics.Metrics
	audit    *audit.Logger
	logger   zerolog.Logger
	cleanup  time.Duration

	orphanMu sync.Mutex
	orphans  map[string]struct{}
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Locks == nil {
		cfg.Locks = NewLocks()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 2 * time.Minute
	}
	return &Coordinator{
		store:    cfg.Store,
		pool:     cfg.Pool,
		state:    cfg.State,
		locks:    cfg.Locks,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		logger:   cfg.Logger.With().Str("component", "replicator").Logger(),
		cleanup:  cfg.CleanupTimeout,
		orphans:  make(map[string]struct{}),
	}
}

// Locks returns the lock registry.
func (c *Coordinator) Locks() *Locks {
	return c.locks
}

// detached returns a context that survives the caller's cancellation, for
// work that must finish once storage I/O has started.
func (c *Coordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cleanup)
}

// admit checks the read-only switch and that every attached storage is
// reachable, before anything is registered.
func (c *Coordinator) admit(ctx context.Context, op, id string) error {
	if err := c.state.CheckWritable(ctx); err != nil {
		return err
	}
	members, err := c.pool.Attached(ctx)
	if err != nil {
		return err
	}
	st, err := c.state.Get(ctx)
	if err != nil {
		return err
	}

	var reachable int
	var unreachable []string
	for _, m := range members {
		if m.Desc.Reachable {
			reachable++
		} else {
			unreachable = append(unreachable, m.ID())
		}
	}
	switch {
	case reachable < st.MinReplicas:
		return storage.Error.Wrap(&WriteError{Operation: op, ObjectID: id, Unreachable: unreachable,
			Cause: fmt.Errorf("%w: %d reachable, %d required", ErrInsufficientReplicas, reachable, st.MinReplicas)})
	case len(unreachable) > 0:
		return storage.Error.Wrap(&WriteError{Operation: op, ObjectID: id, Unreachable: unreachable, Cause: storage.ErrUnreachable})
	}
	return nil
}

// outcome is the per-storage result of a fan-out.
type outcome struct {
	mu        sync.Mutex
	succeeded []string
	failed    map[string]error
	aborted   []string
}

func (o *outcome) ok() bool {
	return len(o.failed) == 0 && len(o.aborted) == 0
}

func (o *outcome) writeError(op, id string, cause error) *WriteError {
	return &WriteError{
		Operation: op,
		ObjectID:  id,
		Succeeded: o.succeeded,
		Failed:    o.failed,
		Aborted:   o.aborted,
		Cause:     cause,
	}
}

func isAbort(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Cause(ctx)) || errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrAborted) || errors.Is(err, ErrRollbackRequested)
}

// fanOut runs fn once per target concurrently and joins. With
// abortOnFailure, the first failure cancels the siblings.
func (c *Coordinator) fanOut(ctx context.Context, targets []storage.Member, abortOnFailure bool, fn func(ctx context.Context, m storage.Member) error) *outcome {
	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	res := &outcome{failed: make(map[string]error)}
	var g errgroup.Group
	for _, m := range targets {
		g.Go(func() error {
			err := fn(fctx, m)

			res.mu.Lock()
			defer res.mu.Unlock()
			switch {
			case err == nil:
				res.succeeded = append(res.succeeded, m.ID())
			case isAbort(fctx, err):
				res.aborted = append(res.aborted, m.ID())
			default:
				res.failed[m.ID()] = err
				if abortOnFailure {
					cancel(fmt.Errorf("%w: %s failed", ErrAborted, m.ID()))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.succeeded)
	sort.Strings(res.aborted)
	return res
}

var processing = []registry.ObjectState{registry.StateProcessing}

// transitionAll moves each object to `to`, updating objs in place.
func (c *Coordinator) transitionAll(ctx context.Context, objs []*registry.Object, from []registry.ObjectState, to registry.ObjectState) error {
	for _, o := range objs {
		updated, err := c.store.Transition(ctx, o.ID, from, to, nil)
		if err != nil {
			return fmt.Errorf("commit %s as %s: %w", o.ID, to, err)
		}
		*o = *updated
	}
	return nil
}

// undo runs a cleanup adapter call for every object on every target and
// returns the storages where it failed.
func (c *Coordinator) undo(ctx context.Context, targets []storage.Member, objs []*registry.Object,
	fn func(a storage.Adapter) func(ctx context.Context, id, tenant string) error) map[string]error {
	res := c.fanOut(ctx, targets, false, func(ctx context.Context, m storage.Member) error {
		call := fn(m.Adapter)
		var errs []error
		for _, o := range objs {
			if err := call(ctx, o.ID, o.Tenant); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	if len(res.failed) == 0 {
		return nil
	}
	for id, err := range res.failed {
		c.logger.Error().Err(err).Str("storage", id).Str("object_id", objs[0].ID).Msg("cleanup failed, payload may remain")
	}
	return res.failed
}

// finish records the outcome of an operation in metrics and the audit trail.
func (c *Coordinator) finish(op string, obj *registry.Object, start time.Time, storages []string, err error) {
	result := audit.ResultOK
	details := ""
	if err != nil {
		result = audit.ResultFailed
		if sysstate.ErrSyncInProgress.Has(err) || StateError.Has(err) || sysstate.ErrForbiddenByConfig.Has(err) {
			result = audit.ResultRejected
		}
		details = err.Error()
	}
	c.metrics.RecordOperation(op, result, time.Since(start).Seconds())
	c.audit.LogObjectOp(op, obj.ID, obj.Tenant, result, storages, details)
}

// markSynchronizing records a direct write to a storage under onboarding,
// so the onboarding catch-up does not copy the object again.
func (c *Coordinator) markSynchronizing(ctx context.Context, targets []storage.Member, objs []*registry.Object) {
	for _, m := range targets {
		if !m.Desc.Synchronizing {
			continue
		}
		for _, o := range objs {
			if err := c.store.MarkCopied(ctx, m.ID(), o.ID, c.store.Now()); err != nil {
				c.logger.Warn().Err(err).Str("storage", m.ID()).Str("object_id", o.ID).Msg("failed to mark direct write")
			}
		}
	}
}

func stateError(id string, err error) error {
	var conflict *registry.StateConflictError
	if errors.As(err, &conflict) {
		return StateError.Wrap(err)
	}
	if errors.Is(err, registry.ErrNotFound) {
		return StateError.Wrap(fmt.Errorf("object %s: %w", id, err))
	}
	return err
}

func ids(objs []*registry.Object) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.ID
	}
	return out
}
