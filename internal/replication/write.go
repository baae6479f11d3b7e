package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// CreateRequest describes a new package: its primary payload and,
// optionally, the first metadata version.
type CreateRequest struct {
	ID       string
	Tenant   string
	Checksum checksum.Sum
	Payload  storage.Opener
	Metadata *Version
}

// Version is one metadata version.
type Version struct {
	ID       string
	Checksum checksum.Sum
	Payload  storage.Opener
}

func validate(tenant string, id string, sum checksum.Sum, payload storage.Opener) error {
	if err := storage.ValidName(tenant); err != nil {
		return err
	}
	if err := storage.ValidName(id); err != nil {
		return err
	}
	if err := sum.Validate(); err != nil {
		return fmt.Errorf("object %s: %w", id, err)
	}
	if payload == nil {
		return fmt.Errorf("object %s: payload required", id)
	}
	return nil
}

// RegisterCreate archives a new package on every attached storage. On
// success the primary (and metadata version 1) are ARCHIVED everywhere; on
// failure they are ARCHIVAL_FAILURE and absent from every storage.
func (c *Coordinator) RegisterCreate(ctx context.Context, req CreateRequest) (*registry.Object, error) {
	start := time.Now()
	if err := validate(req.Tenant, req.ID, req.Checksum, req.Payload); err != nil {
		return nil, err
	}
	primary := &registry.Object{
		ID:       req.ID,
		Kind:     registry.KindPrimary,
		Tenant:   req.Tenant,
		Checksum: req.Checksum,
		State:    registry.StateProcessing,
	}
	objs := []*registry.Object{primary}
	payloads := map[string]storage.Opener{req.ID: req.Payload}
	if v := req.Metadata; v != nil {
		if err := validate(req.Tenant, v.ID, v.Checksum, v.Payload); err != nil {
			return nil, err
		}
		if v.ID == req.ID {
			return nil, fmt.Errorf("metadata id %s equals primary id", v.ID)
		}
		objs = append(objs, &registry.Object{
			ID:       v.ID,
			Kind:     registry.KindMetadata,
			ParentID: req.ID,
			Version:  1,
			Tenant:   req.Tenant,
			Checksum: v.Checksum,
			State:    registry.StateProcessing,
		})
		payloads[v.ID] = v.Payload
	}

	storages, err := c.write(ctx, OpCreate, objs, payloads, ids(objs), func(ctx context.Context) error {
		return c.store.CreateObjects(ctx, objs...)
	})
	c.finish(OpCreate, primary, start, storages, err)
	if err != nil {
		return nil, err
	}
	return primary, nil
}

// RegisterUpdate archives the next metadata version of an ARCHIVED primary.
func (c *Coordinator) RegisterUpdate(ctx context.Context, parentID string, v Version) (*registry.Object, error) {
	start := time.Now()
	if err := storage.ValidName(v.ID); err != nil {
		return nil, err
	}
	if err := v.Checksum.Validate(); err != nil {
		return nil, fmt.Errorf("object %s: %w", v.ID, err)
	}
	if v.Payload == nil {
		return nil, fmt.Errorf("object %s: payload required", v.ID)
	}
	meta := &registry.Object{
		ID:       v.ID,
		Kind:     registry.KindMetadata,
		ParentID: parentID,
		Checksum: v.Checksum,
		State:    registry.StateProcessing,
	}
	objs := []*registry.Object{meta}

	// The parent lock serializes version numbering and excludes a
	// concurrent delete or rollback of the parent.
	storages, err := c.write(ctx, OpUpdate, objs, map[string]storage.Opener{v.ID: v.Payload}, []string{parentID, v.ID},
		func(ctx context.Context) error {
			parent, err := c.store.GetObject(ctx, parentID)
			if err != nil {
				return stateError(parentID, err)
			}
			if parent.Kind != registry.KindPrimary {
				return StateError.New("object %s is not a primary object", parentID)
			}
			if parent.State != registry.StateArchived {
				return StateError.New("object %s is %s, update requires %s", parentID, parent.State, registry.StateArchived)
			}
			latest, err := c.store.LatestVersion(ctx, parentID)
			if err != nil {
				return err
			}
			meta.Tenant = parent.Tenant
			meta.Version = latest + 1
			return c.store.CreateObjects(ctx, meta)
		})
	c.finish(OpUpdate, meta, start, storages, err)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// RegisterRetry re-archives an object in ARCHIVAL_FAILURE from a fresh
// payload. The retry is recorded in the audit log.
func (c *Coordinator) RegisterRetry(ctx context.Context, id string, payload storage.Opener) (*registry.Object, error) {
	start := time.Now()
	if payload == nil {
		return nil, fmt.Errorf("object %s: payload required", id)
	}
	obj := &registry.Object{ID: id}
	objs := []*registry.Object{obj}

	storages, err := c.write(ctx, OpRetry, objs, map[string]storage.Opener{id: payload}, []string{id},
		func(ctx context.Context) error {
			cur, err := c.store.GetObject(ctx, id)
			if err != nil {
				return stateError(id, err)
			}
			updated, err := c.store.Transition(ctx, id,
				[]registry.ObjectState{registry.StateArchivalFailure}, registry.StateProcessing,
				&registry.Audit{Operation: registry.OpArchivalRetry, ObjectID: id, Tenant: cur.Tenant})
			if err != nil {
				return stateError(id, err)
			}
			*obj = *updated
			return nil
		})
	c.finish(OpRetry, obj, start, storages, err)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// write runs the multi-storage write protocol. register persists the
// PROCESSING rows; it runs under the object locks after admission, and an
// error from it aborts the write before any storage is touched. write
// returns the storages the objects landed on.
func (c *Coordinator) write(ctx context.Context, op string, objs []*registry.Object, payloads map[string]storage.Opener,
	lockIDs []string, register func(ctx context.Context) error) ([]string, error) {
	primary := objs[0]
	if err := c.admit(ctx, op, primary.ID); err != nil {
		return nil, err
	}

	held, err := c.lockNew(ctx, lockIDs[0], lockIDs[1:])
	if err != nil {
		return nil, err
	}
	defer held.Release()

	if err := register(ctx); err != nil {
		return nil, err
	}

	// Targets are read after registration so a storage attached meanwhile
	// is written too.
	targets, err := c.pool.Attached(ctx)
	if err != nil {
		return nil, c.fail(ctx, op, objs, nil, &WriteError{Operation: op, ObjectID: primary.ID, Cause: err})
	}

	wctx, stop := held.Guard(ctx)
	res := c.fanOut(wctx, targets, true, func(ctx context.Context, m storage.Member) error {
		for _, o := range objs {
			if err := m.Adapter.StoreObject(ctx, o, payloads[o.ID], o.Tenant); err != nil {
				return err
			}
		}
		return nil
	})
	// A rollback may have been requested after every storage finished.
	cause := context.Cause(wctx)
	stop()

	if res.ok() && cause == nil {
		cctx, cancel := c.detached(ctx)
		defer cancel()
		err := c.transitionAll(cctx, objs, processing, registry.StateArchived)
		if err == nil {
			c.markSynchronizing(cctx, targets, objs)
			c.logger.Debug().Str("op", op).Strs("objects", ids(objs)).Strs("storages", res.succeeded).Msg("write committed")
			return res.succeeded, nil
		}
		cause = err
	}
	if len(res.failed) > 0 {
		cause = nil
	}
	return nil, c.fail(ctx, op, objs, targets, res.writeError(op, primary.ID, cause))
}

// lockNew locks first and then others, which must not be registered yet. A
// registered id may be a version that a delete or rollback locks after its
// parent, so it is refused before its lock is taken. Every path thereby
// locks a parent before its versions.
func (c *Coordinator) lockNew(ctx context.Context, first string, others []string) (*Held, error) {
	held, err := c.locks.Acquire(ctx, first)
	if err != nil || len(others) == 0 {
		return held, err
	}
	for _, id := range others {
		_, err := c.store.GetObject(ctx, id)
		switch {
		case err == nil:
			held.Release()
			return nil, fmt.Errorf("object %s: %w", id, registry.ErrExists)
		case !errors.Is(err, registry.ErrNotFound):
			held.Release()
			return nil, err
		}
	}
	rest, err := c.locks.Acquire(ctx, others...)
	if err != nil {
		held.Release()
		return nil, err
	}
	held.join(rest)
	return held, nil
}

// fail undoes a write on every target, whether or not it completed there,
// and commits ARCHIVAL_FAILURE.
func (c *Coordinator) fail(ctx context.Context, op string, objs []*registry.Object, targets []storage.Member, we *WriteError) error {
	cctx, cancel := c.detached(ctx)
	defer cancel()

	we.Leftover = c.undo(cctx, targets, objs, func(a storage.Adapter) func(context.Context, string, string) error {
		return a.RollbackObject
	})
	// ARCHIVED too: the commit may have failed halfway through objs.
	from := []registry.ObjectState{registry.StateProcessing, registry.StateArchived}
	if err := c.transitionAll(cctx, objs, from, registry.StateArchivalFailure); err != nil {
		c.logger.Error().Err(err).Str("object_id", we.ObjectID).Msg("failed to record archival failure")
	}

	ev := notify.NewEvent(notify.KindArchivalFailure, we.Error())
	ev.ObjectID = we.ObjectID
	c.notifier.Notify(cctx, ev)
	c.logger.Warn().Str("op", op).Str("object_id", we.ObjectID).
		Strs("failed", we.FailedStorages()).Strs("aborted", we.Aborted).
		Msg("write rolled back")
	return storage.Error.Wrap(we)
}
