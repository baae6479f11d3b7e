package replication_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/sysstate"
	"github.com/arcstore/arcstore/testutil"
)

func TestRollbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createWithMetadata(t, "doc-1", "doc-1-v1")

	obj, err := f.coord.RegisterRollback(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRolledBack, obj.State)
	assert.Equal(t, registry.StateRolledBack, f.objState(t, "doc-1-v1"))
	for _, s := range []*testutil.MemStorage{f.a, f.b} {
		assert.False(t, s.Has(t, "doc-1", tenant))
		assert.False(t, s.Has(t, "doc-1-v1", tenant))
	}

	obj, err = f.coord.RegisterRollback(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRolledBack, obj.State)
	assert.Equal(t, []registry.Operation{registry.OpRollback}, f.audits(t, "doc-1"))
	assert.Equal(t, []registry.Operation{registry.OpRollback}, f.audits(t, "doc-1-v1"))
}

func TestRollbackFailureLeavesArchivalFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	f.b.Faults.FailDelete.Store(true)

	_, err := f.coord.RegisterRollback(ctx, "doc-1")
	require.Error(t, err)
	assert.Equal(t, registry.StateArchivalFailure, f.objState(t, "doc-1"))

	f.b.Faults.FailDelete.Store(false)
	_, err = f.coord.RegisterRollback(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRolledBack, f.objState(t, "doc-1"))
	assert.False(t, f.b.Has(t, "doc-1", tenant))
}

func TestRollbackRejectedWhileReadOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	require.NoError(t, f.state.SetReadOnly(ctx, true))

	_, err := f.coord.RegisterRollback(ctx, "doc-1")
	assert.True(t, sysstate.ErrSyncInProgress.Has(err))
	assert.Equal(t, registry.StateArchived, f.objState(t, "doc-1"))
}

func TestRollbackAbortsWriteInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hits := f.a.Faults.Block()
	t.Cleanup(f.a.Faults.Release)

	req := replication.CreateRequest{
		ID: "doc-1", Tenant: tenant, Checksum: testutil.Sum(t, "hello"), Payload: testutil.Payload("hello"),
	}
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.RegisterCreate(ctx, req)
		done <- err
	}()

	select {
	case <-hits:
	case <-time.After(5 * time.Second):
		t.Fatal("write never reached storage a")
	}

	obj, err := f.coord.RegisterRollback(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRolledBack, obj.State)

	var writeErr error
	select {
	case writeErr = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("write did not return after rollback")
	}
	assert.ErrorIs(t, writeErr, replication.ErrRollbackRequested)
	var we *replication.WriteError
	require.True(t, errors.As(writeErr, &we))
	assert.Contains(t, we.Aborted, "a")

	assert.False(t, f.a.Has(t, "doc-1", tenant))
	assert.False(t, f.b.Has(t, "doc-1", tenant))
	assert.Equal(t, 0, f.coord.Locks().Len())
}

func TestRecoverAndRollbackOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A write that crashed after reaching storage a.
	orphan := &registry.Object{
		ID: "doc-1", Kind: registry.KindPrimary, Tenant: tenant,
		Checksum: testutil.Sum(t, "hello"), State: registry.StateProcessing,
	}
	require.NoError(t, f.store.CreateObjects(ctx, orphan))
	require.NoError(t, f.a.StoreObject(ctx, orphan, testutil.Payload("hello"), tenant))
	f.create(t, "doc-2", "fine")

	found, err := f.coord.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, found)
	assert.Equal(t, []string{"doc-1"}, f.coord.Orphans())

	// Orphans are blocked for everything but rollback.
	_, err = f.coord.RegisterRemove(ctx, "doc-1")
	assert.True(t, replication.StateError.Has(err))
	_, err = f.coord.RegisterDelete(ctx, "doc-1")
	assert.True(t, replication.StateError.Has(err))

	require.NoError(t, f.state.SetReadOnly(ctx, true))
	require.NoError(t, f.coord.RollbackOrphans(ctx))

	assert.Empty(t, f.coord.Orphans())
	assert.Equal(t, registry.StateRolledBack, f.objState(t, "doc-1"))
	assert.False(t, f.a.Has(t, "doc-1", tenant))
	assert.Equal(t, registry.StateArchived, f.objState(t, "doc-2"))
}
