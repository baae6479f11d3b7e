package sysstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/registry"
)

func newState(t *testing.T) (*State, registry.Store) {
	store := registry.NewMemoryStore()
	return New(store, zerolog.New(zerolog.NewTestWriter(t)), nil), store
}

func TestCheckWritable(t *testing.T) {
	ctx := context.Background()
	s, _ := newState(t)

	require.NoError(t, s.CheckWritable(ctx))

	require.NoError(t, s.SetReadOnly(ctx, true))
	err := s.CheckWritable(ctx)
	require.Error(t, err)
	assert.True(t, ErrSyncInProgress.Has(err))

	require.NoError(t, s.SetReadOnly(ctx, false))
	assert.NoError(t, s.CheckWritable(ctx))
}

func TestSettersValidate(t *testing.T) {
	ctx := context.Background()
	s, store := newState(t)

	err := s.SetMinReplicas(ctx, 0)
	assert.True(t, ErrForbiddenByConfig.Has(err))
	err = s.SetReachabilityInterval(ctx, 0)
	assert.True(t, ErrForbiddenByConfig.Has(err))

	require.NoError(t, s.SetMinReplicas(ctx, 2))
	require.NoError(t, s.SetReachabilityInterval(ctx, 10*time.Second))
	st, err := store.GetSystemState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.MinReplicas)
	assert.Equal(t, 10*time.Second, st.ReachabilityInterval)
	assert.False(t, st.ReadOnly)
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newState(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = s.SetReadOnly(ctx, i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			_ = s.SetMinReplicas(ctx, i)
		}
	}()
	wg.Wait()

	st, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, st.MinReplicas)
	assert.False(t, st.ReadOnly)
}
