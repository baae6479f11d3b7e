package verify_test

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/sysstate"
	"github.com/arcstore/arcstore/internal/verify"
	"github.com/arcstore/arcstore/testutil"
)

const tenant = "acme"

type fixture struct {
	store    *registry.MemoryStore
	pool     *storage.Pool
	coord    *replication.Coordinator
	verifier *verify.Verifier
	repairs  *verify.RepairQueue
	notifier *notify.Recorder
	spool    string
	a, b     *testutil.MemStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := registry.NewMemoryStore()
	logger := testutil.Logger(t)
	state := sysstate.New(store, logger, nil)
	rec := &notify.Recorder{}
	pool := storage.NewPool(storage.PoolConfig{Store: store, State: state, Logger: logger})
	t.Cleanup(func() { _ = pool.Close() })

	f := &fixture{
		store:    store,
		pool:     pool,
		notifier: rec,
		spool:    t.TempDir(),
		a:        testutil.NewMemStorage(t, "a"),
		b:        testutil.NewMemStorage(t, "b"),
	}
	testutil.Attach(t, store, pool, f.a, 2)
	testutil.Attach(t, store, pool, f.b, 1)
	f.coord = replication.New(replication.Config{Store: store, Pool: pool, State: state, Logger: logger})
	f.repairs = verify.NewRepairQueue(verify.RepairConfig{Copier: f.coord, Pool: pool, Logger: logger})
	f.verifier = verify.New(verify.Config{
		Store:            store,
		Pool:             pool,
		Repairs:          f.repairs,
		Notifier:         rec,
		Logger:           logger,
		SpoolDir:         f.spool,
		ProgressInterval: 5 * time.Millisecond,
	})
	f.repairs.SetSource(f.verifier.Open)
	return f
}

func (f *fixture) create(t *testing.T, id, data string) *registry.Object {
	t.Helper()
	obj, err := f.coord.RegisterCreate(context.Background(), replication.CreateRequest{
		ID: id, Tenant: tenant, Checksum: testutil.Sum(t, data), Payload: testutil.Payload(data),
	})
	require.NoError(t, err)
	return obj
}

// damage overwrites the stored payload behind the adapter's back.
func damage(t *testing.T, s *testutil.MemStorage, id string) {
	t.Helper()
	_, err := s.FS.Put(context.Background(), tenant+"/"+id, strings.NewReader("bit rot"))
	require.NoError(t, err)
}

func (f *fixture) members(t *testing.T) []storage.Member {
	t.Helper()
	m, err := f.pool.Attached(context.Background())
	require.NoError(t, err)
	return m
}

func TestCheckConsistent(t *testing.T) {
	f := newFixture(t)
	obj := f.create(t, "doc-1", "hello")

	r := f.verifier.Check(context.Background(), obj, f.members(t))
	assert.Equal(t, verify.Consistent, r.Result)
	require.Len(t, r.Replicas, 2)
	for _, rep := range r.Replicas {
		assert.Equal(t, verify.Consistent, rep.Result)
		assert.True(t, rep.Computed.Equal(obj.Checksum))
	}
	assert.Empty(t, r.Damaged())
	assert.Zero(t, f.repairs.Len())
}

func TestCheckRepairsCorruptedReplica(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	obj := f.create(t, "doc-1", "hello")
	damage(t, f.b, "doc-1")

	r := f.verifier.Check(ctx, obj, f.members(t))
	assert.Equal(t, verify.Consistent, r.Result)
	assert.Equal(t, []string{"b"}, r.Damaged())
	assert.Equal(t, 1, f.notifier.Count(notify.KindFixityCorrupted))
	assert.Equal(t, 1, f.repairs.Len())

	f.repairs.Drain(ctx)
	assert.Zero(t, f.repairs.Len())
	r = f.verifier.Check(ctx, obj, f.members(t))
	assert.Empty(t, r.Damaged())
}

func TestCheckRepairsMissingReplica(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	obj := f.create(t, "doc-1", "hello")
	require.NoError(t, f.a.FS.Delete(ctx, tenant+"/doc-1"))

	r := f.verifier.Check(ctx, obj, f.members(t))
	assert.Equal(t, verify.Missing, r.Replicas[0].Result)
	assert.Equal(t, verify.Consistent, r.Result)

	f.repairs.Drain(ctx)
	assert.True(t, f.a.Has(t, "doc-1", tenant))
}

func TestCheckUnreachableIsNotCorrupted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	obj := f.create(t, "doc-1", "hello")
	f.b.Faults.Down.Store(true)

	r := f.verifier.Check(ctx, obj, f.members(t))
	assert.Equal(t, verify.Consistent, r.Result)
	assert.Equal(t, verify.Unreachable, r.Replicas[1].Result)
	assert.Empty(t, r.Damaged())

	f.a.Faults.Down.Store(true)
	r = f.verifier.Check(ctx, obj, f.members(t))
	assert.Equal(t, verify.Unreachable, r.Result)
	assert.Zero(t, f.notifier.Count(notify.KindFixityCorrupted))
}

func TestCheckCorruptedEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	obj := f.create(t, "doc-1", "hello")
	damage(t, f.a, "doc-1")
	damage(t, f.b, "doc-1")

	r := f.verifier.Check(ctx, obj, f.members(t))
	assert.Equal(t, verify.Corrupted, r.Result)
	// Nothing to repair from.
	assert.Zero(t, f.repairs.Len())
}

func TestVerifyBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "one")
	f.create(t, "doc-2", "two")
	f.create(t, "doc-3", "three")
	_, err := f.coord.RegisterDelete(ctx, "doc-3")
	require.NoError(t, err)
	damage(t, f.b, "doc-2")

	var mu sync.Mutex
	var last [2]int64
	sum, err := f.verifier.VerifyIDs(ctx, []string{"doc-1", "doc-2", "doc-3"}, verify.BatchOptions{
		Storages: []string{"b"},
		Report: func(done, total int64) {
			mu.Lock()
			last = [2]int64{done, total}
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Checked)
	assert.Equal(t, 1, sum.Consistent)
	assert.Equal(t, 1, sum.Corrupted)
	mu.Lock()
	assert.Equal(t, [2]int64{3, 3}, last)
	mu.Unlock()
}

func TestVerifyBatchFailFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "one")
	f.create(t, "doc-2", "two")
	f.create(t, "doc-3", "three")
	damage(t, f.b, "doc-2")

	progress := &verify.Progress{}
	sum, err := f.verifier.VerifyIDs(ctx, []string{"doc-1", "doc-2", "doc-3"}, verify.BatchOptions{
		Storages: []string{"b"},
		FailFast: true,
		Progress: progress,
	})
	assert.ErrorIs(t, err, verify.ErrBatchFailed)
	require.NotNil(t, sum.Failed)
	assert.Equal(t, "doc-2", sum.Failed.Object.ID)
	assert.Equal(t, int64(2), progress.Done.Load())
	assert.Equal(t, int64(3), progress.Total.Load())
}

func TestVerifyBatchUnknownStorage(t *testing.T) {
	f := newFixture(t)
	_, err := f.verifier.VerifyBatch(context.Background(), nil, verify.BatchOptions{Storages: []string{"nope"}})
	assert.ErrorIs(t, err, storage.ErrUnreachable)
}

func TestRetrieveFallsBackByPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	damage(t, f.a, "doc-1")

	rc, obj, err := f.verifier.Retrieve(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", obj.ID)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, rc.Close())

	entries, err := os.ReadDir(f.spool)
	require.NoError(t, err)
	assert.Empty(t, entries, "spool file not removed")
	assert.Equal(t, 1, f.repairs.Len())
}

func TestRetrieveNoGoodCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	damage(t, f.a, "doc-1")
	f.b.Faults.Down.Store(true)

	_, _, err := f.verifier.Retrieve(ctx, "doc-1")
	assert.ErrorIs(t, err, verify.ErrNoGoodCopy)
	assert.True(t, storage.Error.Has(err))
	// No good copy, nothing to repair from.
	assert.Zero(t, f.repairs.Len())

	entries, err := os.ReadDir(f.spool)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetrieveRequiresPayloadState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "doc-1", "hello")
	_, err := f.coord.RegisterDelete(ctx, "doc-1")
	require.NoError(t, err)

	_, _, err = f.verifier.Retrieve(ctx, "doc-1")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	_, _, err = f.verifier.Retrieve(ctx, "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
