package onboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arcstore/arcstore/internal/logging/audit"
	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/verify"
)

// itemError pins a phase failure to the item that caused it.
type itemError struct {
	at       time.Time
	objectID string
	err      error
}

func (e *itemError) Error() string {
	return fmt.Sprintf("object %s: %v", e.objectID, e.err)
}

func (e *itemError) Unwrap() error { return e.err }

// resumeFrom is the inclusive lower bound the current phase continues from.
func resumeFrom(st *registry.SyncStatus) time.Time {
	switch {
	case st.StuckAt != nil:
		return *st.StuckAt
	case st.Cursor != nil:
		return st.Cursor.Add(time.Nanosecond)
	default:
		return time.Time{}
	}
}

func (s *Syncer) step(ctx context.Context, id string) (registry.SyncPhase, error) {
	st, err := s.store.GetSyncStatus(ctx, id)
	if err != nil {
		return "", fmt.Errorf("sync status %s: %w", id, err)
	}
	if st.Phase == registry.PhaseDone {
		return st.Phase, nil
	}
	if st.Failed() {
		return st.Phase, fmt.Errorf("%w: storage %s in %s: %s", ErrHalted, id, st.Phase, st.Exception)
	}

	m, err := s.pool.Member(ctx, id)
	if err == nil && !m.Adapter.TestConnection(ctx) {
		err = fmt.Errorf("storage %s: %w", id, storage.ErrUnreachable)
	}
	if err == nil {
		switch st.Phase {
		case registry.PhaseInit:
			err = s.initSpaces(ctx, m, st)
		case registry.PhaseCopyingArchived:
			err = s.copyArchived(ctx, m, st)
		case registry.PhasePropagatingOperations:
			err = s.propagate(ctx, m, st)
		case registry.PhasePostSyncCheck:
			err = s.postSyncCheck(ctx, m, st)
		default:
			err = fmt.Errorf("unknown sync phase %q", st.Phase)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a failure: progress is persisted and the
			// phase resumes on the next start.
			return st.Phase, context.Cause(ctx)
		}
		return st.Phase, s.fail(ctx, st, err)
	}
	return s.advance(ctx, st)
}

func (s *Syncer) advance(ctx context.Context, st *registry.SyncStatus) (registry.SyncPhase, error) {
	s.audit.LogSyncPhase(st.StorageID, string(st.Phase), audit.ResultOK, st.Done, st.Total, "phase complete")
	s.logger.Info().
		Str("storage", st.StorageID).
		Str("phase", string(st.Phase)).
		Int64("done", st.Done).
		Msg("sync phase complete")

	st.Phase = st.Phase.Next()
	st.Total, st.Done = 0, 0
	st.Cursor, st.StuckAt, st.StuckObjectID = nil, nil, ""
	if st.Phase == registry.PhaseDone {
		return st.Phase, s.finish(ctx, st)
	}
	if err := s.save(ctx, st); err != nil {
		return st.Phase, err
	}
	s.metrics.SetSyncPhase(st.StorageID, ordinal(st.Phase))
	return st.Phase, nil
}

// finish marks the storage synchronized and lifts read-only unless another
// sync still needs it.
func (s *Syncer) finish(ctx context.Context, st *registry.SyncStatus) error {
	s.finalize.Lock()
	defer s.finalize.Unlock()

	if err := s.save(ctx, st); err != nil {
		return err
	}
	desc, err := s.store.GetStorage(ctx, st.StorageID)
	if err != nil {
		return err
	}
	desc.Synchronizing = false
	if err := s.store.PutStorage(ctx, desc); err != nil {
		return err
	}
	s.metrics.SetSyncPhase(st.StorageID, ordinal(st.Phase))

	statuses, err := s.store.ListSyncStatuses(ctx)
	if err != nil {
		return err
	}
	holding := ""
	for _, other := range statuses {
		if other.StorageID != st.StorageID && other.Finalizing() {
			holding = other.StorageID
			break
		}
	}
	if holding == "" {
		if err := s.state.SetReadOnly(ctx, false); err != nil {
			return err
		}
		s.audit.LogReadOnly(false, st.StorageID)
	} else {
		s.logger.Info().Str("storage", st.StorageID).Str("held_by", holding).Msg("read-only kept for another sync")
	}

	ev := notify.NewEvent(notify.KindSyncDone, "storage synchronized")
	ev.Storage = st.StorageID
	s.notifier.Notify(ctx, ev)
	s.logger.Info().Str("storage", st.StorageID).Msg("storage synchronized")
	return nil
}

// fail records err on the status and halts the sync. Read-only stays as it
// is; Continue resumes from the stuck item.
func (s *Syncer) fail(ctx context.Context, st *registry.SyncStatus, err error) error {
	var ie *itemError
	if errors.As(err, &ie) {
		at := ie.at
		st.StuckAt, st.StuckObjectID = &at, ie.objectID
	} else {
		at := resumeFrom(st)
		st.StuckAt = &at
	}
	st.Exception = err.Error()
	if serr := s.save(ctx, st); serr != nil {
		s.logger.Error().Err(serr).Str("storage", st.StorageID).Msg("failed to persist sync failure")
	}

	ev := notify.NewEvent(notify.KindSyncFailed, "storage synchronization failed")
	ev.Storage = st.StorageID
	ev.ObjectID = st.StuckObjectID
	ev.Details = map[string]string{"phase": string(st.Phase), "error": st.Exception}
	s.notifier.Notify(ctx, ev)
	s.audit.LogSyncPhase(st.StorageID, string(st.Phase), audit.ResultFailed, st.Done, st.Total, st.Exception)
	s.logger.Error().
		Err(err).
		Str("storage", st.StorageID).
		Str("phase", string(st.Phase)).
		Str("object_id", st.StuckObjectID).
		Msg("sync failed")
	return fmt.Errorf("sync of %s failed in %s: %w", st.StorageID, st.Phase, err)
}

func (s *Syncer) save(ctx context.Context, st *registry.SyncStatus) error {
	if err := s.store.PutSyncStatus(ctx, st); err != nil {
		return fmt.Errorf("save sync status %s: %w", st.StorageID, err)
	}
	s.metrics.SetSyncProgress(st.StorageID, st.Done, st.Total)
	return nil
}

func advanceItem(st *registry.SyncStatus, at time.Time) {
	st.Done++
	st.Cursor = &at
	st.StuckAt, st.StuckObjectID = nil, ""
}

// eachObject pages through the objects filter matches, oldest first.
func (s *Syncer) eachObject(ctx context.Context, filter registry.ObjectFilter, fn func(*registry.Object) error) error {
	filter.Limit = s.batch
	for {
		page, err := s.store.ListObjects(ctx, filter)
		if err != nil {
			return err
		}
		for _, obj := range page {
			if err := fn(obj); err != nil {
				return err
			}
		}
		if len(page) < s.batch {
			return nil
		}
		filter.From = page[len(page)-1].Created.Add(time.Nanosecond)
	}
}

func (s *Syncer) count(ctx context.Context, filter registry.ObjectFilter) (int64, error) {
	var n int64
	err := s.eachObject(ctx, filter, func(*registry.Object) error {
		n++
		return nil
	})
	return n, err
}

// initSpaces prepares a tenant space for every tenant. Re-running it is
// harmless, so it has no cursor.
func (s *Syncer) initSpaces(ctx context.Context, m storage.Member, st *registry.SyncStatus) error {
	tenants, err := s.store.Tenants(ctx)
	if err != nil {
		return err
	}
	st.Total = int64(len(tenants))
	for _, t := range tenants {
		if err := m.Adapter.CreateTenantSpace(ctx, t); err != nil {
			return fmt.Errorf("create tenant space %s: %w", t, err)
		}
		st.Done++
	}
	return nil
}

// copyArchived copies every object registered before the copy cutoff. The
// cutoff is fixed the first time the phase runs; writes after it reach the
// storage directly or through the audit replay.
func (s *Syncer) copyArchived(ctx context.Context, m storage.Member, st *registry.SyncStatus) error {
	if st.CopyCutoff.IsZero() {
		st.CopyCutoff = s.store.Now()
		total, err := s.count(ctx, registry.ObjectFilter{Before: st.CopyCutoff})
		if err != nil {
			return err
		}
		st.Total = total
		if err := s.save(ctx, st); err != nil {
			return err
		}
	}

	filter := registry.ObjectFilter{From: resumeFrom(st), Before: st.CopyCutoff}
	return s.eachObject(ctx, filter, func(obj *registry.Object) error {
		if _, copied, err := s.store.CopiedAt(ctx, m.ID(), obj.ID); err != nil {
			return err
		} else if !copied {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			res, err := s.replicator.CopyTo(ctx, m, obj.ID, s.verifier.Open)
			if err != nil {
				return &itemError{at: obj.Created, objectID: obj.ID, err: err}
			}
			s.logger.Debug().Str("storage", m.ID()).Str("object_id", obj.ID).Stringer("result", res).Msg("object copied")
		}
		advanceItem(st, obj.Created)
		return s.save(ctx, st)
	})
}

// propagate replays the operations logged since the copy cutoff, then turns
// the system read-only and keeps draining until a full grace period passes
// without new entries. Writes admitted before the switch finish inside it.
func (s *Syncer) propagate(ctx context.Context, m storage.Member, st *registry.SyncStatus) error {
	var deadline time.Time
	settled := false
	for {
		n, err := s.replay(ctx, m, st)
		if err != nil {
			return err
		}
		if settled && n == 0 {
			break
		}
		if st.ReadOnlyAt == nil {
			if err := s.enterReadOnly(ctx, st); err != nil {
				return err
			}
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(s.settle)
		} else if time.Now().After(deadline) {
			return fmt.Errorf("writes did not settle within %s of going read-only", s.settle)
		}
		if err := sleep(ctx, s.grace); err != nil {
			return err
		}
		settled = true
	}
	st.FinalCutoff = s.store.Now()
	return nil
}

func (s *Syncer) enterReadOnly(ctx context.Context, st *registry.SyncStatus) error {
	s.finalize.Lock()
	defer s.finalize.Unlock()
	if err := s.state.SetReadOnly(ctx, true); err != nil {
		return err
	}
	now := s.store.Now()
	st.ReadOnlyAt = &now
	if err := s.save(ctx, st); err != nil {
		return err
	}
	s.audit.LogReadOnly(true, st.StorageID)
	s.logger.Warn().Str("storage", st.StorageID).Dur("grace", s.grace).Msg("system read-only to finalize sync")
	return nil
}

// replay applies every audit entry from the phase's resume point and
// returns how many it handled. The phase total grows as entries appear.
func (s *Syncer) replay(ctx context.Context, m storage.Member, st *registry.SyncStatus) (int, error) {
	from := resumeFrom(st)
	if from.Before(st.CopyCutoff) {
		from = st.CopyCutoff
	}
	n := 0
	for {
		page, err := s.store.ListAudits(ctx, registry.AuditFilter{From: from, Limit: s.batch})
		if err != nil {
			return n, err
		}
		for _, a := range page {
			if err := s.limiter.Wait(ctx); err != nil {
				return n, err
			}
			applied, err := s.replicator.Replay(ctx, m, a, s.verifier.Open)
			if err != nil {
				return n, &itemError{at: a.Created, objectID: a.ObjectID, err: fmt.Errorf("replay %s: %w", a.Operation, err)}
			}
			if applied {
				s.logger.Debug().Str("storage", m.ID()).Str("object_id", a.ObjectID).Str("operation", string(a.Operation)).Msg("operation replayed")
			}
			advanceItem(st, a.Created)
			st.Total = st.Done
			if err := s.save(ctx, st); err != nil {
				return n, err
			}
			n++
		}
		if len(page) < s.batch {
			return n, nil
		}
		from = page[len(page)-1].Created.Add(time.Nanosecond)
	}
}

// postSyncCheck verifies every payload-holding object registered before the
// final cutoff on the new storage. The first bad object fails the phase.
func (s *Syncer) postSyncCheck(ctx context.Context, m storage.Member, st *registry.SyncStatus) error {
	if st.FinalCutoff.IsZero() {
		st.FinalCutoff = s.store.Now()
	}
	filter := registry.ObjectFilter{
		Before: st.FinalCutoff,
		States: []registry.ObjectState{registry.StateArchived, registry.StateRemoved},
	}
	if st.Total == 0 {
		total, err := s.count(ctx, filter)
		if err != nil {
			return err
		}
		st.Total = total
		if err := s.save(ctx, st); err != nil {
			return err
		}
	}

	progress := &verify.Progress{}
	progress.Total.Store(st.Total)
	progress.Done.Store(st.Done)
	var mu sync.Mutex
	stop := verify.Poll(ctx, s.interval, progress, func(done, total int64) {
		mu.Lock()
		snap := st.Clone()
		mu.Unlock()
		if err := s.save(context.WithoutCancel(ctx), snap); err != nil {
			s.logger.Warn().Err(err).Str("storage", st.StorageID).Msg("failed to persist check progress")
		}
		s.logger.Info().Str("storage", st.StorageID).Int64("done", done).Int64("total", total).Msg("post-sync check progress")
	})

	filter.From = resumeFrom(st)
	err := s.eachObject(ctx, filter, func(obj *registry.Object) error {
		r := s.verifier.Check(ctx, obj, []storage.Member{m})
		if r.Result != verify.Consistent {
			return &itemError{at: obj.Created, objectID: obj.ID, err: fmt.Errorf("%w: %s on %s", verify.ErrBatchFailed, r.Result, m.ID())}
		}
		mu.Lock()
		advanceItem(st, obj.Created)
		mu.Unlock()
		progress.Done.Inc()
		return nil
	})
	stop()
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
