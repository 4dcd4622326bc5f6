package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

func requireCapacityInvariant(t *testing.T, r *Registry) {
	t.Helper()
	for _, unit := range r.List() {
		require.GreaterOrEqual(t, unit.AvailableCapacity, 0.0, "unit %d", unit.ID)
		require.LessOrEqual(t, unit.AvailableCapacity, unit.TotalCapacity, "unit %d", unit.ID)
	}
}

func TestRegistry_Add(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	t.Run("1. valid units get increasing IDs", func(t *testing.T) {
		id1, err := r.Add(model.ResourceTypeCPU, 10, 1.0, 0.5)
		require.NoError(t, err)
		id2, err := r.Add(model.ResourceTypeAllocatable, 20, 0.8, 0.9)
		require.NoError(t, err)
		require.Greater(t, id2, id1)

		unit, ok := r.Find(id1)
		require.True(t, ok)
		assert.Equal(t, 10.0, unit.AvailableCapacity)
		assert.True(t, unit.Active)
		requireCapacityInvariant(t, r)
	})

	t.Run("2. negative capacity rejected", func(t *testing.T) {
		before := len(r.List())
		_, err := r.Add(model.ResourceTypeCPU, -1, 1, 1)
		require.ErrorIs(t, err, model.ErrInvalidArgument)
		require.Len(t, r.List(), before)
	})

	t.Run("3. unknown type rejected", func(t *testing.T) {
		_, err := r.Add(model.ResourceType("gpu"), 1, 1, 1)
		require.ErrorIs(t, err, model.ErrInvalidArgument)
	})
}

func TestRegistry_IDsNeverReused(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	id1, err := r.Add(model.ResourceTypeCPU, 1, 1, 1)
	require.NoError(t, err)
	require.NoError(t, r.Remove(id1))

	id2, err := r.Add(model.ResourceTypeCPU, 1, 1, 1)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestRegistry_Remove(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	err := r.Remove(42)
	require.ErrorIs(t, err, model.ErrResourceNotFound)

	id, err := r.Add(model.ResourceTypeMemory, 8, 1, 1)
	require.NoError(t, err)
	require.NoError(t, r.Reserve(id, 2))

	err = r.Remove(id)
	require.ErrorIs(t, err, ErrUnitBusy)

	require.NoError(t, r.Release(id, 2))
	require.NoError(t, r.Remove(id))
	_, ok := r.Find(id)
	require.False(t, ok)
}

func TestRegistry_Update(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	id, err := r.Add(model.ResourceTypeCPU, 10, 1, 1)
	require.NoError(t, err)

	tests := []struct {
		name      string
		available float64
		wantErr   error
	}{
		{name: "within capacity", available: 4},
		{name: "above total", available: 11, wantErr: model.ErrInvalidArgument},
		{name: "negative", available: -1, wantErr: model.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Update(id, tt.available, 2, 3)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			requireCapacityInvariant(t, r)
		})
	}

	unit, _ := r.Find(id)
	assert.Equal(t, 4.0, unit.AvailableCapacity)
	assert.Equal(t, 2.0, unit.PerformanceRating)

	require.ErrorIs(t, r.Update(99, 1, 1, 1), model.ErrResourceNotFound)
}

func TestRegistry_UpdateKeepsReservations(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	id, err := r.Add(model.ResourceTypeCPU, 10, 1, 1)
	require.NoError(t, err)
	require.NoError(t, r.Reserve(id, 5))

	t.Run("1. cannot free reserved capacity", func(t *testing.T) {
		require.ErrorIs(t, r.Update(id, 10, 1, 1), ErrUnitBusy)
		require.ErrorIs(t, r.Update(id, 5.5, 1, 1), ErrUnitBusy)

		unit, _ := r.Find(id)
		assert.Equal(t, 5.0, unit.AvailableCapacity, "unchanged on error")
		assert.Equal(t, 5.0, r.Reserved(id))
	})

	t.Run("2. external load lowers availability", func(t *testing.T) {
		require.NoError(t, r.Update(id, 3, 1, 1))
		unit, _ := r.Find(id)
		assert.Equal(t, 3.0, unit.AvailableCapacity)
		assert.Equal(t, 5.0, r.Reserved(id))
		requireCapacityInvariant(t, r)
	})

	t.Run("3. release returns exactly the reservation", func(t *testing.T) {
		require.NoError(t, r.Release(id, 5))
		unit, _ := r.Find(id)
		assert.Equal(t, 8.0, unit.AvailableCapacity)
		assert.Zero(t, r.Reserved(id))
		require.ErrorIs(t, r.Release(id, 1), model.ErrInternalAllocation)
	})

	t.Run("4. resize keeps external load", func(t *testing.T) {
		require.NoError(t, r.Reserve(id, 2))
		require.NoError(t, r.Resize(id, 20))
		unit, _ := r.Find(id)
		assert.Equal(t, 16.0, unit.AvailableCapacity)
		requireCapacityInvariant(t, r)
	})

	t.Run("5. reservations block removal, external load does not", func(t *testing.T) {
		require.ErrorIs(t, r.Remove(id), ErrUnitBusy)
		require.NoError(t, r.Release(id, 2))
		require.NoError(t, r.Remove(id))
		assert.Zero(t, r.Reserved(id))
	})
}

func TestRegistry_ReserveRelease(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	id, err := r.Add(model.ResourceTypeCPU, 10, 1, 1)
	require.NoError(t, err)

	require.NoError(t, r.Reserve(id, 5))
	require.ErrorIs(t, r.Reserve(id, 6), model.ErrInsufficientCapacity)
	requireCapacityInvariant(t, r)

	unit, _ := r.Find(id)
	assert.Equal(t, 5.0, unit.AvailableCapacity)
	assert.Equal(t, 5.0, unit.Reserved())

	require.NoError(t, r.Release(id, 5))
	require.ErrorIs(t, r.Release(id, 1), model.ErrInternalAllocation)
	requireCapacityInvariant(t, r)

	require.NoError(t, r.SetActive(id, false))
	require.ErrorIs(t, r.Reserve(id, 1), model.ErrInsufficientCapacity)
}

func TestRegistry_Resize(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	id, err := r.Add(model.ResourceTypeAllocatable, 10, 1, 1)
	require.NoError(t, err)
	require.NoError(t, r.Reserve(id, 4))

	require.NoError(t, r.Resize(id, 17))
	unit, _ := r.Find(id)
	assert.Equal(t, 17.0, unit.TotalCapacity)
	assert.Equal(t, 13.0, unit.AvailableCapacity)

	require.ErrorIs(t, r.Resize(id, 3), ErrUnitBusy)
	require.NoError(t, r.Resize(id, 4))
	unit, _ = r.Find(id)
	assert.Equal(t, 0.0, unit.AvailableCapacity)
	requireCapacityInvariant(t, r)
}

func TestRegistry_ListActiveAndTotals(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	cpu1, _ := r.Add(model.ResourceTypeCPU, 4, 1, 1)
	cpu2, _ := r.Add(model.ResourceTypeCPU, 6, 1, 1)
	mem, _ := r.Add(model.ResourceTypeMemory, 16, 1, 1)
	require.NoError(t, r.SetActive(cpu2, false))
	require.NoError(t, r.Reserve(mem, 4))

	cpus := r.ListActive(model.ResourceTypeCPU)
	require.Len(t, cpus, 1)
	assert.Equal(t, cpu1, cpus[0].ID)

	all := r.ListActive("")
	require.Len(t, all, 2)
	assert.Less(t, all[0].ID, all[1].ID)

	totals := r.TotalsByType()
	assert.Equal(t, 4.0, totals[model.ResourceTypeCPU].Total)
	assert.Equal(t, 4.0, totals[model.ResourceTypeMemory].Reserved())
}
