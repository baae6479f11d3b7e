package replication

import (
	"context"
	"time"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// deletable lists the states a physical delete starts from. DELETION_FAILURE
// is included so a failed delete can be retried.
var deletable = []registry.ObjectState{
	registry.StateArchived,
	registry.StateArchivalFailure,
	registry.StateRemoved,
	registry.StateDeletionFailure,
}

// RegisterDelete physically deletes an object from every attached storage.
// Deleting a primary cascades to its metadata versions. The object ends
// DELETED, or DELETION_FAILURE when some storage failed.
func (c *Coordinator) RegisterDelete(ctx context.Context, id string) (*registry.Object, error) {
	start := time.Now()
	obj := &registry.Object{ID: id}
	storages, err := c.delete(ctx, obj)
	c.finish(OpDelete, obj, start, storages, err)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (c *Coordinator) delete(ctx context.Context, obj *registry.Object) ([]string, error) {
	if err := c.admit(ctx, OpDelete, obj.ID); err != nil {
		return nil, err
	}
	held, err := c.lockCascade(ctx, nil, obj.ID)
	if err != nil {
		return nil, err
	}
	defer held.Release()

	cur, err := c.store.GetObject(ctx, obj.ID)
	if err != nil {
		return nil, stateError(obj.ID, err)
	}
	*obj = *cur
	objs := []*registry.Object{obj}
	if obj.Kind == registry.KindPrimary {
		versions, err := c.versions(ctx, obj.ID, deletable)
		if err != nil {
			return nil, err
		}
		objs = append(objs, versions...)
	}
	// The primary goes first so a state conflict leaves every row untouched.
	for _, o := range objs {
		updated, err := c.store.Transition(ctx, o.ID, deletable, registry.StateProcessing,
			&registry.Audit{Operation: registry.OpDeletion, ObjectID: o.ID, Tenant: o.Tenant})
		if err != nil {
			return nil, stateError(o.ID, err)
		}
		*o = *updated
	}

	cctx, cancel := c.detached(ctx)
	defer cancel()
	targets, err := c.pool.Attached(cctx)
	if err != nil {
		_ = c.transitionAll(cctx, objs, processing, registry.StateDeletionFailure)
		return nil, err
	}
	// Deletes are not aborted by a sibling failure: every storage that can
	// drop the payload does, and the failure state records the rest.
	res := c.fanOut(cctx, targets, false, func(ctx context.Context, m storage.Member) error {
		for _, o := range objs {
			if err := m.Adapter.Delete(ctx, o.ID, o.Tenant); err != nil {
				return err
			}
		}
		return nil
	})
	if res.ok() {
		if err := c.transitionAll(cctx, objs, processing, registry.StateDeleted); err != nil {
			return nil, err
		}
		return res.succeeded, nil
	}
	if err := c.transitionAll(cctx, objs, processing, registry.StateDeletionFailure); err != nil {
		c.logger.Error().Err(err).Str("object_id", obj.ID).Msg("failed to record deletion failure")
	}
	return nil, storage.Error.Wrap(res.writeError(OpDelete, obj.ID, nil))
}

// RegisterRemove logically removes an ARCHIVED primary on every storage.
func (c *Coordinator) RegisterRemove(ctx context.Context, id string) (*registry.Object, error) {
	return c.flip(ctx, flipSpec{
		op:      OpRemove,
		from:    registry.StateArchived,
		to:      registry.StateRemoved,
		audit:   registry.OpRemoval,
		inverse: registry.OpRenewal,
		apply:   func(a storage.Adapter) func(context.Context, string, string) error { return a.Remove },
		revert:  func(a storage.Adapter) func(context.Context, string, string) error { return a.Renew },
	}, id)
}

// RegisterRenew reverts a logical removal on every storage.
func (c *Coordinator) RegisterRenew(ctx context.Context, id string) (*registry.Object, error) {
	return c.flip(ctx, flipSpec{
		op:      OpRenew,
		from:    registry.StateRemoved,
		to:      registry.StateArchived,
		audit:   registry.OpRenewal,
		inverse: registry.OpRemoval,
		apply:   func(a storage.Adapter) func(context.Context, string, string) error { return a.Renew },
		revert:  func(a storage.Adapter) func(context.Context, string, string) error { return a.Remove },
	}, id)
}

type flipSpec struct {
	op      string
	from    registry.ObjectState
	to      registry.ObjectState
	audit   registry.Operation
	inverse registry.Operation
	apply   func(storage.Adapter) func(ctx context.Context, id, tenant string) error
	revert  func(storage.Adapter) func(ctx context.Context, id, tenant string) error
}

// flip runs a metadata-only state change. The audit entry is written with
// the transition, before any storage is touched. When a storage fails, the
// change is reverted where it succeeded, the state is restored and the
// inverse entry is appended so replay stays faithful.
func (c *Coordinator) flip(ctx context.Context, spec flipSpec, id string) (*registry.Object, error) {
	start := time.Now()
	obj := &registry.Object{ID: id}
	storages, err := c.doFlip(ctx, spec, obj)
	c.finish(spec.op, obj, start, storages, err)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (c *Coordinator) doFlip(ctx context.Context, spec flipSpec, obj *registry.Object) ([]string, error) {
	if err := c.admit(ctx, spec.op, obj.ID); err != nil {
		return nil, err
	}
	held, err := c.locks.Acquire(ctx, obj.ID)
	if err != nil {
		return nil, err
	}
	defer held.Release()

	cur, err := c.store.GetObject(ctx, obj.ID)
	if err != nil {
		return nil, stateError(obj.ID, err)
	}
	if cur.Kind != registry.KindPrimary {
		return nil, StateError.New("%s applies to primary objects, %s is %s", spec.op, obj.ID, cur.Kind)
	}
	updated, err := c.store.Transition(ctx, obj.ID, []registry.ObjectState{spec.from}, spec.to,
		&registry.Audit{Operation: spec.audit, ObjectID: obj.ID, Tenant: cur.Tenant})
	if err != nil {
		return nil, stateError(obj.ID, err)
	}
	*obj = *updated

	cctx, cancel := c.detached(ctx)
	defer cancel()
	targets, err := c.pool.Attached(cctx)
	if err != nil {
		return nil, c.revertFlip(cctx, spec, obj, nil, &WriteError{Operation: spec.op, ObjectID: obj.ID, Cause: err})
	}
	res := c.fanOut(cctx, targets, false, func(ctx context.Context, m storage.Member) error {
		err := spec.apply(m.Adapter)(ctx, obj.ID, obj.Tenant)
		if m.Desc.Synchronizing && storage.IsNotFound(err) {
			// Not copied yet; onboarding copies the current state.
			return nil
		}
		return err
	})
	if res.ok() {
		return res.succeeded, nil
	}

	var done []storage.Member
	for _, m := range targets {
		for _, s := range res.succeeded {
			if m.ID() == s {
				done = append(done, m)
			}
		}
	}
	return nil, c.revertFlip(cctx, spec, obj, done, res.writeError(spec.op, obj.ID, nil))
}

func (c *Coordinator) revertFlip(ctx context.Context, spec flipSpec, obj *registry.Object, done []storage.Member, we *WriteError) error {
	we.Leftover = c.undo(ctx, done, []*registry.Object{obj}, spec.revert)
	restored, err := c.store.Transition(ctx, obj.ID, []registry.ObjectState{spec.to}, spec.from,
		&registry.Audit{Operation: spec.inverse, ObjectID: obj.ID, Tenant: obj.Tenant})
	if err != nil {
		c.logger.Error().Err(err).Str("object_id", obj.ID).Msg("failed to restore state after partial flip")
	} else {
		*obj = *restored
	}
	c.logger.Warn().Str("op", spec.op).Str("object_id", obj.ID).Strs("failed", we.FailedStorages()).Msg("flip reverted")
	return storage.Error.Wrap(we)
}

// versions returns the metadata versions of parentID in one of states.
func (c *Coordinator) versions(ctx context.Context, parentID string, states []registry.ObjectState) ([]*registry.Object, error) {
	return c.store.ListObjects(ctx, registry.ObjectFilter{
		Kind:     registry.KindMetadata,
		ParentID: parentID,
		States:   states,
	})
}

// lockCascade locks id and then every metadata version registered under
// it. Versions are created only while the parent lock is held, so the list
// cannot grow once the parent is locked.
func (c *Coordinator) lockCascade(ctx context.Context, abort error, id string) (*Held, error) {
	parent, err := c.locks.acquire(ctx, abort, []string{id})
	if err != nil {
		return nil, err
	}
	versions, err := c.versions(ctx, id, nil)
	if err != nil || len(versions) == 0 {
		if err != nil {
			parent.Release()
			return nil, err
		}
		return parent, nil
	}
	rest, err := c.locks.acquire(ctx, abort, ids(versions))
	if err != nil {
		parent.Release()
		return nil, err
	}
	parent.join(rest)
	return parent, nil
}
