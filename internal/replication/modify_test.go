package replication_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/testutil"
)

func TestDeleteCascadesToVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createWithMetadata(t, "doc-1", "doc-1-v1")

	obj, err := f.coord.RegisterDelete(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateDeleted, obj.State)
	assert.Equal(t, registry.StateDeleted, f.objState(t, "doc-1-v1"))
	for _, s := range []*testutil.MemStorage{f.a, f.b} {
		assert.False(t, s.Has(t, "doc-1", tenant))
		assert.False(t, s.Has(t, "doc-1-v1", tenant))
	}
	assert.Equal(t, []registry.Operation{registry.OpDeletion}, f.audits(t, "doc-1"))
	assert.Equal(t, []registry.Operation{registry.OpDeletion}, f.audits(t, "doc-1-v1"))

	_, err = f.coord.RegisterDelete(ctx, "doc-1")
	assert.True(t, replication.StateError.Has(err))
}

func TestDeleteFailureCanBeRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	f.b.Faults.FailDelete.Store(true)

	_, err := f.coord.RegisterDelete(ctx, "doc-1")
	require.Error(t, err)
	var we *replication.WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, []string{"b"}, we.FailedStorages())
	assert.Equal(t, []string{"a"}, we.Succeeded)
	assert.Equal(t, registry.StateDeletionFailure, f.objState(t, "doc-1"))
	// No sibling abort: a dropped its copy.
	assert.False(t, f.a.Has(t, "doc-1", tenant))
	assert.True(t, f.b.Has(t, "doc-1", tenant))

	f.b.Faults.FailDelete.Store(false)
	obj, err := f.coord.RegisterDelete(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateDeleted, obj.State)
	assert.False(t, f.b.Has(t, "doc-1", tenant))
}

func TestDeleteMetadataVersionOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createWithMetadata(t, "doc-1", "doc-1-v1")

	_, err := f.coord.RegisterDelete(ctx, "doc-1-v1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateArchived, f.objState(t, "doc-1"))
	assert.True(t, f.a.Has(t, "doc-1", tenant))
}

func storedState(t *testing.T, s *testutil.MemStorage, id string) registry.ObjectState {
	t.Helper()
	rec, err := s.Stat(context.Background(), id, tenant)
	require.NoError(t, err)
	return rec.State
}

func TestRemoveAndRenew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")

	obj, err := f.coord.RegisterRemove(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRemoved, obj.State)
	assert.Equal(t, registry.StateRemoved, storedState(t, f.a, "doc-1"))
	assert.Equal(t, registry.StateRemoved, storedState(t, f.b, "doc-1"))
	// The payload stays; removal is logical.
	assert.True(t, f.a.Has(t, "doc-1", tenant))

	_, err = f.coord.RegisterRemove(ctx, "doc-1")
	assert.True(t, replication.StateError.Has(err))

	obj, err = f.coord.RegisterRenew(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateArchived, obj.State)
	assert.Equal(t, registry.StateArchived, storedState(t, f.b, "doc-1"))
	assert.Equal(t, []registry.Operation{registry.OpRemoval, registry.OpRenewal}, f.audits(t, "doc-1"))
}

func TestRemoveFailureIsCompensated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	// Still flagged reachable, so the remove is admitted.
	f.b.Faults.Down.Store(true)

	_, err := f.coord.RegisterRemove(ctx, "doc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnreachable)
	assert.Equal(t, registry.StateArchived, f.objState(t, "doc-1"))
	assert.Equal(t, registry.StateArchived, storedState(t, f.a, "doc-1"))
	// The inverse entry keeps replay faithful.
	assert.Equal(t, []registry.Operation{registry.OpRemoval, registry.OpRenewal}, f.audits(t, "doc-1"))
}

func TestRemoveAppliesToPrimaryOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createWithMetadata(t, "doc-1", "doc-1-v1")

	_, err := f.coord.RegisterRemove(ctx, "doc-1-v1")
	assert.True(t, replication.StateError.Has(err))
	assert.Empty(t, f.audits(t, "doc-1-v1"))
}

func TestRenewOnSynchronizingStorageWithoutCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	_, err := f.coord.RegisterRemove(ctx, "doc-1")
	require.NoError(t, err)

	late := testutil.NewMemStorage(t, "late")
	desc := testutil.Attach(t, f.store, f.pool, late, 0)
	desc.Synchronizing = true
	require.NoError(t, f.store.PutStorage(ctx, desc))

	_, err = f.coord.RegisterRenew(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, late.Has(t, "doc-1", tenant))
}
