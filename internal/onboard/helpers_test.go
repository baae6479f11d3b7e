package onboard_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/onboard"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/sysstate"
	"github.com/arcstore/arcstore/internal/verify"
	"github.com/arcstore/arcstore/testutil"
)

const tenant = "acme"

// recorder wraps the coordinator to observe onboarding calls.
type recorder struct {
	onboard.Replicator

	mu       sync.Mutex
	replayed []string // "<operation> <object> <applied>"

	// beforeCopy runs on the calling goroutine ahead of each copy.
	beforeCopy func(id string)
}

func (r *recorder) CopyTo(ctx context.Context, target storage.Member, id string, src replication.PayloadSource) (replication.CopyResult, error) {
	if r.beforeCopy != nil {
		r.beforeCopy(id)
	}
	return r.Replicator.CopyTo(ctx, target, id, src)
}

func (r *recorder) Replay(ctx context.Context, target storage.Member, a *registry.Audit, src replication.PayloadSource) (bool, error) {
	applied, err := r.Replicator.Replay(ctx, target, a, src)
	r.mu.Lock()
	r.replayed = append(r.replayed, fmt.Sprintf("%s %s %t", a.Operation, a.ObjectID, applied))
	r.mu.Unlock()
	return applied, err
}

func (r *recorder) Replayed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replayed...)
}

type fixture struct {
	store    *registry.MemoryStore
	state    *sysstate.State
	pool     *storage.Pool
	notifier *notify.Recorder
	coord    *replication.Coordinator
	repl     *recorder
	syncer   *onboard.Syncer
	a, b     *testutil.MemStorage
}

func newFixture(t *testing.T, mutate ...func(*onboard.Config)) *fixture {
	t.Helper()
	store := registry.NewMemoryStore()
	logger := testutil.Logger(t)
	state := sysstate.New(store, logger, nil)
	rec := &notify.Recorder{}
	pool := storage.NewPool(storage.PoolConfig{Store: store, State: state, Logger: logger})
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
	f.coord = replication.New(replication.Config{Store: store, Pool: pool, State: state, Logger: logger})
	f.repl = &recorder{Replicator: f.coord}
	verifier := verify.New(verify.Config{Store: store, Pool: pool, Logger: logger, SpoolDir: t.TempDir()})

	cfg := onboard.Config{
		Store:            store,
		Pool:             pool,
		State:            state,
		Replicator:       f.repl,
		Verifier:         verifier,
		Notifier:         rec,
		Logger:           logger,
		GracePeriod:      10 * time.Millisecond,
		SettleTimeout:    5 * time.Second,
		BatchSize:        2,
		ProgressInterval: 10 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	f.syncer = onboard.New(cfg)
	return f
}

func (f *fixture) create(t *testing.T, id string) {
	t.Helper()
	_, err := f.coord.RegisterCreate(context.Background(), replication.CreateRequest{
		ID:       id,
		Tenant:   tenant,
		Checksum: testutil.Sum(t, "payload of "+id),
		Payload:  testutil.Payload("payload of " + id),
	})
	require.NoError(t, err)
}

// attach onboards a fresh in-memory storage named id.
func (f *fixture) attach(t *testing.T, id string) *testutil.MemStorage {
	t.Helper()
	s := testutil.NewMemStorage(t, id)
	desc := &registry.Storage{ID: id, Name: id, Kind: registry.KindFS, Host: "localhost"}
	require.NoError(t, f.syncer.AttachAdapter(context.Background(), desc, s))
	return s
}

func (f *fixture) status(t *testing.T, id string) *registry.SyncStatus {
	t.Helper()
	st, err := f.syncer.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (f *fixture) readOnly(t *testing.T) bool {
	t.Helper()
	st, err := f.state.Get(context.Background())
	require.NoError(t, err)
	return st.ReadOnly
}

// isReadOnly and phase are safe to poll from require.Eventually.
func (f *fixture) isReadOnly() bool {
	st, err := f.state.Get(context.Background())
	return err == nil && st.ReadOnly
}

func (f *fixture) phase(id string) registry.SyncPhase {
	st, err := f.syncer.Status(context.Background(), id)
	if err != nil {
		return ""
	}
	return st.Phase
}

// stepTo steps the sync of id until it reaches phase.
func (f *fixture) stepTo(t *testing.T, id string, phase registry.SyncPhase) {
	t.Helper()
	for i := 0; i < 5; i++ {
		got, err := f.syncer.Step(context.Background(), id)
		require.NoError(t, err)
		if got == phase {
			return
		}
	}
	t.Fatalf("sync of %s never reached %s", id, phase)
}

func damage(t *testing.T, s *testutil.MemStorage, id string) {
	t.Helper()
	_, err := s.FS.Put(context.Background(), tenant+"/"+id, strings.NewReader("bit rot"))
	require.NoError(t, err)
}

func restore(t *testing.T, s *testutil.MemStorage, id string) {
	t.Helper()
	_, err := s.FS.Put(context.Background(), tenant+"/"+id, strings.NewReader("payload of "+id))
	require.NoError(t, err)
}

func storedState(t *testing.T, s *testutil.MemStorage, id string) registry.ObjectState {
	t.Helper()
	rec, err := s.Stat(context.Background(), id, tenant)
	require.NoError(t, err)
	return rec.State
}
