// Package registrytest runs the behavioural checks every registry.Store
// implementation must pass.
package registrytest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/registry"
)

// RunTests runs the common store tests. newStore must return an empty store.
func RunTests(t *testing.T, newStore func(t *testing.T) registry.Store) {
	t.Run("Objects", func(t *testing.T) { testObjects(t, newStore(t)) })
	t.Run("Transition", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("Audits", func(t *testing.T) { testAudits(t, newStore(t)) })
	t.Run("Storages", func(t *testing.T) { testStorages(t, newStore(t)) })
	t.Run("SyncStatus", func(t *testing.T) { testSyncStatus(t, newStore(t)) })
	t.Run("SystemState", func(t *testing.T) { testSystemState(t, newStore(t)) })
	t.Run("Clock", func(t *testing.T) { testClock(t, newStore(t)) })
}

func object(id, tenant string, state registry.ObjectState) *registry.Object {
	return &registry.Object{
		ID:       id,
		Kind:     registry.KindPrimary,
		Tenant:   tenant,
		Checksum: checksum.NewSum(checksum.MD5, "d41d8cd98f00b204e9800998ecf8427e"),
		State:    state,
	}
}

func testObjects(t *testing.T, store registry.Store) {
	ctx := context.Background()

	a := object("a", "t1", registry.StateArchived)
	b := object("b", "t2", registry.StateProcessing)
	require.NoError(t, store.CreateObjects(ctx, a, b))
	assert.False(t, a.Created.IsZero())
	assert.True(t, b.Created.After(a.Created))

	got, err := store.GetObject(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, registry.StateArchived, got.State)
	assert.True(t, got.Checksum.Equal(a.Checksum))
	assert.True(t, got.Created.Equal(a.Created))

	_, err = store.GetObject(ctx, "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// All-or-nothing on duplicates.
	err = store.CreateObjects(ctx, object("c", "t1", registry.StateArchived), object("a", "t1", registry.StateArchived))
	assert.ErrorIs(t, err, registry.ErrExists)
	_, err = store.GetObject(ctx, "c")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	meta1 := &registry.Object{ID: "a-v1", Kind: registry.KindMetadata, ParentID: "a", Version: 1, Tenant: "t1", State: registry.StateArchived}
	meta2 := &registry.Object{ID: "a-v2", Kind: registry.KindMetadata, ParentID: "a", Version: 2, Tenant: "t1", State: registry.StateArchived}
	require.NoError(t, store.CreateObjects(ctx, meta1, meta2))

	v, err := store.LatestVersion(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	v, err = store.LatestVersion(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	all, err := store.ListObjects(ctx, registry.ObjectFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].Created.After(all[i-1].Created), "ordered by creation")
	}

	children, err := store.ListObjects(ctx, registry.ObjectFilter{ParentID: "a"})
	require.NoError(t, err)
	assert.Len(t, children, 2)

	before, err := store.ListObjects(ctx, registry.ObjectFilter{Before: meta1.Created, States: []registry.ObjectState{registry.StateArchived}})
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, "a", before[0].ID)

	from, err := store.ListObjects(ctx, registry.ObjectFilter{From: b.Created, Limit: 2})
	require.NoError(t, err)
	require.Len(t, from, 2)
	assert.Equal(t, "b", from[0].ID)

	tenants, err := store.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tenants)
}

func testTransition(t *testing.T, store registry.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateObjects(ctx, object("x", "t", registry.StateArchived)))

	audit := &registry.Audit{Operation: registry.OpRemoval, ObjectID: "x", Tenant: "t"}
	o, err := store.Transition(ctx, "x", []registry.ObjectState{registry.StateArchived}, registry.StateProcessing, audit)
	require.NoError(t, err)
	assert.Equal(t, registry.StateProcessing, o.State)
	assert.NotEmpty(t, audit.ID)
	assert.False(t, audit.Created.IsZero())

	_, err = store.Transition(ctx, "x", []registry.ObjectState{registry.StateArchived}, registry.StateRemoved, &registry.Audit{Operation: registry.OpRemoval, ObjectID: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrStateConflict)
	var conflict *registry.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, registry.StateProcessing, conflict.Current)

	// A rejected transition must not leave its audit entry behind.
	audits, err := store.ListAudits(ctx, registry.AuditFilter{ObjectID: "x"})
	require.NoError(t, err)
	assert.Len(t, audits, 1)

	o, err = store.Transition(ctx, "x", nil, registry.StateRemoved, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.StateRemoved, o.State)

	_, err = store.Transition(ctx, "nope", nil, registry.StateRemoved, nil)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func testAudits(t *testing.T, store registry.Store) {
	ctx := context.Background()

	ops := []registry.Operation{registry.OpRemoval, registry.OpRenewal, registry.OpDeletion, registry.OpRollback, registry.OpArchivalRetry}
	var created []time.Time
	for i, op := range ops {
		a := &registry.Audit{Operation: op, ObjectID: string(rune('a' + i)), Tenant: "t"}
		require.NoError(t, store.AppendAudit(ctx, a))
		created = append(created, a.Created)
	}

	all, err := store.ListAudits(ctx, registry.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, len(ops))
	for i, a := range all {
		assert.Equal(t, ops[i], a.Operation)
		assert.True(t, a.Created.Equal(created[i]))
	}

	tail, err := store.ListAudits(ctx, registry.AuditFilter{From: created[2]})
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, registry.OpDeletion, tail[0].Operation)

	window, err := store.ListAudits(ctx, registry.AuditFilter{From: created[1], Before: created[3], Limit: 10})
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func testStorages(t *testing.T, store registry.Store) {
	ctx := context.Background()

	require.NoError(t, store.PutStorage(ctx, &registry.Storage{ID: "low", Kind: registry.KindFS, Priority: 1, Reachable: true}))
	require.NoError(t, store.PutStorage(ctx, &registry.Storage{ID: "high", Kind: registry.KindS3, Priority: 10, Config: map[string]string{"bucket": "b"}}))

	list, err := store.ListStorages(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "high", list[0].ID)
	assert.Equal(t, "b", list[0].Config["bucket"])

	high := list[0]
	high.Synchronizing = true
	require.NoError(t, store.PutStorage(ctx, high))
	got, err := store.GetStorage(ctx, "high")
	require.NoError(t, err)
	assert.True(t, got.Synchronizing)

	_, err = store.GetStorage(ctx, "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func testSyncStatus(t *testing.T, store registry.Store) {
	ctx := context.Background()

	_, err := store.GetSyncStatus(ctx, "s")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	stuck := store.Now()
	status := &registry.SyncStatus{StorageID: "s", Phase: registry.PhaseCopyingArchived, Total: 10, Done: 4, StuckAt: &stuck, StuckObjectID: "o5", Exception: "boom", CopyCutoff: store.Now()}
	require.NoError(t, store.PutSyncStatus(ctx, status))

	got, err := store.GetSyncStatus(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseCopyingArchived, got.Phase)
	assert.Equal(t, int64(4), got.Done)
	require.NotNil(t, got.StuckAt)
	assert.True(t, got.StuckAt.Equal(stuck))
	assert.True(t, got.Failed())
	assert.Nil(t, got.Cursor)

	got.StuckAt = nil
	got.Exception = ""
	require.NoError(t, store.PutSyncStatus(ctx, got))
	list, err := store.ListSyncStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].StuckAt)
	assert.False(t, list[0].Failed())

	at := store.Now()
	require.NoError(t, store.MarkCopied(ctx, "s", "o1", at))
	copied, ok, err := store.CopiedAt(ctx, "s", "o1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, copied.Equal(at))
	_, ok, err = store.CopiedAt(ctx, "s", "o2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSystemState(t *testing.T, store registry.Store) {
	ctx := context.Background()

	st, err := store.GetSystemState(ctx)
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultSystemState, st)

	want := registry.SystemState{MinReplicas: 3, ReadOnly: true, ReachabilityInterval: 30 * time.Second}
	require.NoError(t, store.PutSystemState(ctx, want))
	st, err = store.GetSystemState(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, st)
}

func testClock(t *testing.T, store registry.Store) {
	prev := store.Now()
	for i := 0; i < 1000; i++ {
		next := store.Now()
		require.True(t, next.After(prev))
		prev = next
	}
}
