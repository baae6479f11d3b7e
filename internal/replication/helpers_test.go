package replication_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/sysstate"
	"github.com/arcstore/arcstore/testutil"
)

const tenant = "acme"

type fixture struct {
	store    *registry.MemoryStore
	state    *sysstate.State
	pool     *storage.Pool
	notifier *notify.Recorder
	coord    *replication.Coordinator
	a, b     *testutil.MemStorage
}

// newFixture returns a coordinator over two attached in-memory storages.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := registry.NewMemoryStore()
	logger := testutil.Logger(t)
	state := sysstate.New(store, logger, nil)
	rec := &notify.Recorder{}
	pool := storage.NewPool(storage.PoolConfig{Store: store, State: state, Notifier: rec, Logger: logger})
	t.Cleanup(func() { _ = pool.Close() })

	f := &fixture{
		store:    store,
		state:    state,
		pool:     pool,
		notifier: rec,
		a:        testutil.NewMemStorage(t, "a"),
		b:        testutil.NewMemStorage(t, "b"),
	}
	testutil.Attach(t, store, pool, f.a, 2)
	testutil.Attach(t, store, pool, f.b, 1)
	f.coord = replication.New(replication.Config{
		Store:    store,
		Pool:     pool,
		State:    state,
		Notifier: rec,
		Logger:   logger,
	})
	return f
}

func (f *fixture) create(t *testing.T, id, data string) *registry.Object {
	t.Helper()
	obj, err := f.coord.RegisterCreate(context.Background(), replication.CreateRequest{
		ID:       id,
		Tenant:   tenant,
		Checksum: testutil.Sum(t, data),
		Payload:  testutil.Payload(data),
	})
	require.NoError(t, err)
	return obj
}

func (f *fixture) createWithMetadata(t *testing.T, id, metaID string) {
	t.Helper()
	_, err := f.coord.RegisterCreate(context.Background(), replication.CreateRequest{
		ID:       id,
		Tenant:   tenant,
		Checksum: testutil.Sum(t, "payload of "+id),
		Payload:  testutil.Payload("payload of " + id),
		Metadata: &replication.Version{
			ID:       metaID,
			Checksum: testutil.Sum(t, "<mets/>"),
			Payload:  testutil.Payload("<mets/>"),
		},
	})
	require.NoError(t, err)
}

func (f *fixture) objState(t *testing.T, id string) registry.ObjectState {
	t.Helper()
	obj, err := f.store.GetObject(context.Background(), id)
	require.NoError(t, err)
	return obj.State
}

func (f *fixture) audits(t *testing.T, id string) []registry.Operation {
	t.Helper()
	entries, err := f.store.ListAudits(context.Background(), registry.AuditFilter{ObjectID: id})
	require.NoError(t, err)
	ops := make([]registry.Operation, len(entries))
	for i, a := range entries {
		ops[i] = a.Operation
	}
	return ops
}

func (f *fixture) setDesc(t *testing.T, id string, fn func(*registry.Storage)) {
	t.Helper()
	ctx := context.Background()
	desc, err := f.store.GetStorage(ctx, id)
	require.NoError(t, err)
	fn(desc)
	require.NoError(t, f.store.PutStorage(ctx, desc))
}
