package replication_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/testutil"
)

// fromStorage reads payloads from s.
func fromStorage(s storage.Adapter) replication.PayloadSource {
	return func(ctx context.Context, obj *registry.Object, exclude string) (io.ReadCloser, error) {
		return s.GetObject(ctx, obj.ID, obj.Tenant)
	}
}

// attachLate attaches a new storage flagged as synchronizing.
func attachLate(t *testing.T, f *fixture) (*testutil.MemStorage, storage.Member) {
	t.Helper()
	late := testutil.NewMemStorage(t, "late")
	desc := testutil.Attach(t, f.store, f.pool, late, 0)
	desc.Synchronizing = true
	require.NoError(t, f.store.PutStorage(context.Background(), desc))
	m, err := f.pool.Member(context.Background(), "late")
	require.NoError(t, err)
	return late, m
}

func TestCopyToFollowsRegistryState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "archived", "one")
	f.create(t, "removed", "two")
	_, err := f.coord.RegisterRemove(ctx, "removed")
	require.NoError(t, err)
	f.create(t, "deleted", "three")
	_, err = f.coord.RegisterDelete(ctx, "deleted")
	require.NoError(t, err)
	late, m := attachLate(t, f)
	// Stale payload left behind on the new storage.
	require.NoError(t, late.StoreObject(ctx, &registry.Object{ID: "deleted", Checksum: testutil.Sum(t, "three")}, testutil.Payload("three"), tenant))

	tests := []struct {
		id    string
		want  replication.CopyResult
		holds bool
	}{
		{"archived", replication.CopyStored, true},
		{"removed", replication.CopyStored, true},
		{"deleted", replication.CopyCleared, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			res, err := f.coord.CopyTo(ctx, m, tt.id, fromStorage(f.a))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
			assert.Equal(t, tt.holds, late.Has(t, tt.id, tenant))

			_, ok, err := f.store.CopiedAt(ctx, "late", tt.id)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
	assert.Equal(t, registry.StateRemoved, storedState(t, late, "removed"))
}

func TestCopyToSkipsProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, m := attachLate(t, f)
	require.NoError(t, f.store.CreateObjects(ctx, &registry.Object{
		ID: "doc-1", Kind: registry.KindPrimary, Tenant: tenant,
		Checksum: testutil.Sum(t, "x"), State: registry.StateProcessing,
	}))

	res, err := f.coord.CopyTo(ctx, m, "doc-1", fromStorage(f.a))
	require.NoError(t, err)
	assert.Equal(t, replication.CopySkipped, res)
	_, ok, err := f.store.CopiedAt(ctx, "late", "doc-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	late, m := attachLate(t, f)
	_, err := f.coord.CopyTo(ctx, m, "doc-1", fromStorage(f.a))
	require.NoError(t, err)

	// Older than the copy: already reflected.
	stale := &registry.Audit{ID: "old", Operation: registry.OpDeletion, ObjectID: "doc-1", Tenant: tenant, Created: f.store.Now().Add(-time.Hour)}
	applied, err := f.coord.Replay(ctx, m, stale, fromStorage(f.a))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, late.Has(t, "doc-1", tenant))

	// Recorded after the copy but never propagated to late.
	_, err = f.store.Transition(ctx, "doc-1", nil, registry.StateRemoved,
		&registry.Audit{Operation: registry.OpRemoval, ObjectID: "doc-1", Tenant: tenant})
	require.NoError(t, err)
	entries, err := f.store.ListAudits(ctx, registry.AuditFilter{ObjectID: "doc-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, registry.StateArchived, storedState(t, late, "doc-1"))

	applied, err = f.coord.Replay(ctx, m, entries[0], fromStorage(f.a))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, registry.StateRemoved, storedState(t, late, "doc-1"))
}

func TestReplayRenewalFallsBackToCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	_, err := f.coord.RegisterRemove(ctx, "doc-1")
	require.NoError(t, err)
	late, m := attachLate(t, f)
	_, err = f.coord.RegisterRenew(ctx, "doc-1")
	require.NoError(t, err)

	entries, err := f.store.ListAudits(ctx, registry.AuditFilter{ObjectID: "doc-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	applied, err := f.coord.Replay(ctx, m, entries[1], fromStorage(f.a))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, late.Has(t, "doc-1", tenant))
	assert.Equal(t, registry.StateArchived, storedState(t, late, "doc-1"))
}
