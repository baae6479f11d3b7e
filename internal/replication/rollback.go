package replication

import (
	"context"
	"sort"
	"time"

	"github.com/zeebo/errs"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// rollbackable lists every state a rollback may start from.
var rollbackable = []registry.ObjectState{
	registry.StateProcessing,
	registry.StateArchived,
	registry.StateRemoved,
	registry.StateDeleted,
	registry.StateDeletionFailure,
	registry.StateArchivalFailure,
}

// RegisterRollback undoes an object on every attached storage, cascading
// from a primary to its metadata versions. A write in flight for the object
// is aborted first. Rolling back an object that is already ROLLED_BACK
// succeeds without touching anything. When a storage fails the object is
// left in ARCHIVAL_FAILURE and the rollback can be repeated.
func (c *Coordinator) RegisterRollback(ctx context.Context, id string) (*registry.Object, error) {
	if err := c.state.CheckWritable(ctx); err != nil {
		c.finish(OpRollback, &registry.Object{ID: id}, time.Now(), nil, err)
		return nil, err
	}
	return c.rollback(ctx, id)
}

func (c *Coordinator) rollback(ctx context.Context, id string) (*registry.Object, error) {
	start := time.Now()
	obj := &registry.Object{ID: id}
	storages, err := c.doRollback(ctx, obj)
	c.finish(OpRollback, obj, start, storages, err)
	if err != nil {
		return nil, err
	}
	c.forgetOrphan(id)
	return obj, nil
}

func (c *Coordinator) doRollback(ctx context.Context, obj *registry.Object) ([]string, error) {
	held, err := c.lockCascade(ctx, ErrRollbackRequested, obj.ID)
	if err != nil {
		return nil, err
	}
	defer held.Release()

	cur, err := c.store.GetObject(ctx, obj.ID)
	if err != nil {
		return nil, stateError(obj.ID, err)
	}
	*obj = *cur
	if obj.State == registry.StateRolledBack {
		return nil, nil
	}

	objs := []*registry.Object{obj}
	if obj.Kind == registry.KindPrimary {
		versions, err := c.versions(ctx, obj.ID, rollbackable)
		if err != nil {
			return nil, err
		}
		objs = append(objs, versions...)
	}
	for _, o := range objs {
		updated, err := c.store.Transition(ctx, o.ID, rollbackable, registry.StateProcessing,
			&registry.Audit{Operation: registry.OpRollback, ObjectID: o.ID, Tenant: o.Tenant})
		if err != nil {
			return nil, stateError(o.ID, err)
		}
		*o = *updated
	}

	cctx, cancel := c.detached(ctx)
	defer cancel()
	targets, err := c.pool.Attached(cctx)
	if err != nil {
		_ = c.transitionAll(cctx, objs, processing, registry.StateArchivalFailure)
		return nil, err
	}
	res := c.fanOut(cctx, targets, false, func(ctx context.Context, m storage.Member) error {
		for _, o := range objs {
			if err := m.Adapter.RollbackObject(ctx, o.ID, o.Tenant); err != nil {
				return err
			}
		}
		return nil
	})
	if res.ok() {
		if err := c.transitionAll(cctx, objs, processing, registry.StateRolledBack); err != nil {
			return nil, err
		}
		return res.succeeded, nil
	}
	if err := c.transitionAll(cctx, objs, processing, registry.StateArchivalFailure); err != nil {
		c.logger.Error().Err(err).Str("object_id", obj.ID).Msg("failed to record rollback failure")
	}
	return nil, storage.Error.Wrap(res.writeError(OpRollback, obj.ID, nil))
}

// RecoverOrphans finds objects left PROCESSING by a crash and registers
// them as orphans. Call it on startup before serving requests; the objects
// stay blocked for every operation except rollback until RollbackOrphans
// resolves them.
func (c *Coordinator) RecoverOrphans(ctx context.Context) ([]string, error) {
	objs, err := c.store.ListObjects(ctx, registry.ObjectFilter{States: processing})
	if err != nil {
		return nil, err
	}
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()
	for _, o := range objs {
		c.orphans[o.ID] = struct{}{}
	}
	if len(objs) > 0 {
		c.logger.Warn().Int("count", len(objs)).Msg("found objects left processing by a crash")
	}
	return ids(objs), nil
}

// Orphans returns the ids of unresolved orphans, sorted.
func (c *Coordinator) Orphans() []string {
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()
	out := make([]string, 0, len(c.orphans))
	for id := range c.orphans {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) forgetOrphan(id string) {
	c.orphanMu.Lock()
	delete(c.orphans, id)
	c.orphanMu.Unlock()
}

// RollbackOrphans rolls back every registered orphan. It bypasses the
// read-only switch: an orphan is a write that was accepted before the
// crash, and the rollback reaches every attached storage directly.
func (c *Coordinator) RollbackOrphans(ctx context.Context) error {
	var group errs.Group
	for _, id := range c.Orphans() {
		if _, err := c.rollback(ctx, id); err != nil {
			group.Add(err)
		}
	}
	return group.Err()
}
