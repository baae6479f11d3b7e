package replication

import (
	"context"
	"fmt"
	"io"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// PayloadSource opens an object's payload from any storage other than exclude.
type PayloadSource func(ctx context.Context, obj *registry.Object, exclude string) (io.ReadCloser, error)

// CopyResult says what a state-aware copy did to the target.
type CopyResult int

// Copy results.
const (
	CopySkipped CopyResult = iota // object was mid-operation; nothing done
	CopyStored                    // payload written
	CopyCleared                   // payload ensured absent
)

func (r CopyResult) String() string {
	switch r {
	case CopyStored:
		return "stored"
	case CopyCleared:
		return "cleared"
	default:
		return "skipped"
	}
}

// CopyTo brings one storage in line with the registry for object id. Under
// the object lock it re-reads the state and writes, removes or erases the
// payload on target to match. On success the copy is marked in the
// registry, so operations older than it are not replayed onto target.
func (c *Coordinator) CopyTo(ctx context.Context, target storage.Member, id string, src PayloadSource) (CopyResult, error) {
	held, err := c.locks.Acquire(ctx, id)
	if err != nil {
		return CopySkipped, err
	}
	defer held.Release()

	wctx, stop := held.Guard(ctx)
	defer stop()
	return c.copyLocked(wctx, target, id, src)
}

func (c *Coordinator) copyLocked(ctx context.Context, target storage.Member, id string, src PayloadSource) (CopyResult, error) {
	obj, err := c.store.GetObject(ctx, id)
	if err != nil {
		return CopySkipped, stateError(id, err)
	}
	// Stamped before any I/O: every operation that reached the audit log
	// before this point is reflected in what is copied.
	at := c.store.Now()

	var res CopyResult
	switch obj.State {
	case registry.StateProcessing:
		// Only a crash orphan can be seen here; its rollback reaches target.
		return CopySkipped, nil
	case registry.StateArchived, registry.StateRemoved:
		payload := func() (io.ReadCloser, error) {
			return src(ctx, obj, target.ID())
		}
		stored := obj.Clone()
		stored.State = registry.StateArchived
		if err := target.Adapter.StoreObject(ctx, stored, payload, obj.Tenant); err != nil {
			return CopySkipped, fmt.Errorf("copy %s to %s: %w", id, target.ID(), err)
		}
		if obj.State == registry.StateRemoved {
			if err := target.Adapter.Remove(ctx, id, obj.Tenant); err != nil {
				return CopySkipped, fmt.Errorf("mark %s removed on %s: %w", id, target.ID(), err)
			}
		}
		res = CopyStored
	default:
		if err := target.Adapter.RollbackObject(ctx, id, obj.Tenant); err != nil {
			return CopySkipped, fmt.Errorf("clear %s on %s: %w", id, target.ID(), err)
		}
		res = CopyCleared
	}
	if err := c.store.MarkCopied(ctx, target.ID(), id, at); err != nil {
		return CopySkipped, err
	}
	return res, nil
}

// Replay applies one audited operation to target. Entries older than the
// object's last copy to target are skipped; that copy already reflects
// them. It reports whether the entry was applied.
func (c *Coordinator) Replay(ctx context.Context, target storage.Member, a *registry.Audit, src PayloadSource) (bool, error) {
	held, err := c.locks.Acquire(ctx, a.ObjectID)
	if err != nil {
		return false, err
	}
	defer held.Release()
	wctx, stop := held.Guard(ctx)
	defer stop()

	copied, ok, err := c.store.CopiedAt(wctx, target.ID(), a.ObjectID)
	if err != nil {
		return false, err
	}
	if ok && copied.After(a.Created) {
		return false, nil
	}

	stateAware := func() (bool, error) {
		_, err := c.copyLocked(wctx, target, a.ObjectID, src)
		return err == nil, err
	}
	var opErr error
	switch a.Operation {
	case registry.OpRemoval:
		opErr = target.Adapter.Remove(wctx, a.ObjectID, a.Tenant)
	case registry.OpRenewal:
		opErr = target.Adapter.Renew(wctx, a.ObjectID, a.Tenant)
	case registry.OpDeletion:
		opErr = target.Adapter.Delete(wctx, a.ObjectID, a.Tenant)
	case registry.OpRollback:
		opErr = target.Adapter.RollbackObject(wctx, a.ObjectID, a.Tenant)
	case registry.OpArchivalRetry:
		return stateAware()
	default:
		return false, fmt.Errorf("audit %s: unknown operation %q", a.ID, a.Operation)
	}
	if storage.IsNotFound(opErr) {
		// The payload never reached target; copy whatever the object is now.
		return stateAware()
	}
	if opErr != nil {
		return false, fmt.Errorf("replay %s of %s on %s: %w", a.Operation, a.ObjectID, target.ID(), opErr)
	}
	return true, nil
}
