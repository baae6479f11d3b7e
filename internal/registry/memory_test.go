package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/registry/registrytest"
)

func TestMemoryStore(t *testing.T) {
	registrytest.RunTests(t, func(t *testing.T) registry.Store {
		return registry.NewMemoryStore()
	})
}

func TestClockStrictlyIncreasesWithFrozenTime(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := registry.NewClock(func() time.Time { return frozen })

	a := clock.Now()
	b := clock.Now()
	assert.True(t, b.After(a))
	assert.Equal(t, time.Nanosecond, b.Sub(a))

	clock.Observe(frozen.Add(time.Hour))
	assert.True(t, clock.Now().After(frozen.Add(time.Hour)))
}

func TestSyncStatusFinalizing(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		status registry.SyncStatus
		want   bool
	}{
		{"copying", registry.SyncStatus{Phase: registry.PhaseCopyingArchived}, false},
		{"propagating before read-only", registry.SyncStatus{Phase: registry.PhasePropagatingOperations}, false},
		{"propagating in read-only", registry.SyncStatus{Phase: registry.PhasePropagatingOperations, ReadOnlyAt: &now}, true},
		{"post sync check", registry.SyncStatus{Phase: registry.PhasePostSyncCheck}, true},
		{"done", registry.SyncStatus{Phase: registry.PhaseDone, ReadOnlyAt: &now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Finalizing())
		})
	}
}

func TestPhaseOrder(t *testing.T) {
	phase := registry.PhaseInit
	var seen []registry.SyncPhase
	for phase != registry.PhaseDone {
		seen = append(seen, phase)
		phase = phase.Next()
	}
	assert.Equal(t, []registry.SyncPhase{
		registry.PhaseInit,
		registry.PhaseCopyingArchived,
		registry.PhasePropagatingOperations,
		registry.PhasePostSyncCheck,
	}, seen)
}
