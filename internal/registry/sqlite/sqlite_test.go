package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/registry/registrytest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	registrytest.RunTests(t, func(t *testing.T) registry.Store {
		return openTemp(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestReopenKeepsRowsAndClock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	// A clock running an hour ahead leaves future timestamps behind.
	ahead := registry.NewClock(func() time.Time { return time.Now().Add(time.Hour) })
	s, err := OpenWithClock(path, ahead)
	require.NoError(t, err)
	obj := &registry.Object{ID: "o1", Kind: registry.KindPrimary, Tenant: "t", State: registry.StateArchived}
	require.NoError(t, s.CreateObjects(ctx, obj))
	require.NoError(t, s.PutSystemState(ctx, registry.SystemState{MinReplicas: 2, ReachabilityInterval: time.Minute}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetObject(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, got.Created.Equal(obj.Created))
	assert.True(t, s.Now().After(obj.Created), "clock must be seeded past persisted rows")

	st, err := s.GetSystemState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.MinReplicas)
}

func TestTransitionRollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.CreateObjects(ctx, &registry.Object{ID: "o", Kind: registry.KindPrimary, Tenant: "t", State: registry.StateRemoved}))
	audit := &registry.Audit{Operation: registry.OpDeletion, ObjectID: "o"}
	_, err := s.Transition(ctx, "o", []registry.ObjectState{registry.StateArchived}, registry.StateProcessing, audit)
	require.ErrorIs(t, err, registry.ErrStateConflict)
	assert.Empty(t, audit.ID)

	got, err := s.GetObject(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRemoved, got.State)
}
