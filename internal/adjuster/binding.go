package adjuster

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// UnitStore is the part of the registry the binding needs
type UnitStore interface {
	Add(resourceType model.ResourceType, capacity, performance, efficiency float64) (model.UnitID, error)
	Resize(id model.UnitID, total float64) error
	Find(id model.UnitID) (model.ResourceUnit, bool)
}

// RegistryBinding mirrors the controller's pool size onto one allocatable
// unit in the registry. The unit is created on the first Apply.
type RegistryBinding struct {
	logger      *zap.Logger
	store       UnitStore
	performance float64
	efficiency  float64

	mu     sync.Mutex
	unitID model.UnitID
}

// NewRegistryBinding creates a binding whose unit uses the given ratings
func NewRegistryBinding(store UnitStore, performance, efficiency float64, logger *zap.Logger) *RegistryBinding {
	return &RegistryBinding{
		logger:      logger.Named("registry-binding"),
		store:       store,
		performance: performance,
		efficiency:  efficiency,
	}
}

// UnitID returns the bound unit, 0 before the first Apply
func (b *RegistryBinding) UnitID() model.UnitID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unitID
}

// Apply resizes the bound unit. Shrinking below the reserved amount fails
// with registry.ErrUnitBusy and leaves the unit unchanged.
func (b *RegistryBinding) Apply(_ context.Context, units int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unitID != 0 {
		if _, ok := b.store.Find(b.unitID); ok {
			if err := b.store.Resize(b.unitID, float64(units)); err != nil {
				return fmt.Errorf("failed to resize allocatable unit %d: %w", b.unitID, err)
			}
			return nil
		}
		b.logger.Warn("Bound allocatable unit disappeared, registering a new one",
			zap.Uint64("unit_id", uint64(b.unitID)))
	}

	id, err := b.store.Add(model.ResourceTypeAllocatable, float64(units), b.performance, b.efficiency)
	if err != nil {
		return fmt.Errorf("failed to register allocatable unit: %w", err)
	}
	b.unitID = id
	return nil
}
