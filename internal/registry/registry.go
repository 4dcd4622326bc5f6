// Package registry owns the set of resource units tasks can be placed on.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	goerrors "github.com/TudorHulban/go-errors"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// ErrUnitBusy is returned when an operation would invalidate outstanding
// reservations on a unit.
var ErrUnitBusy = errors.New("resource unit has outstanding reservations")

// capacityEpsilon absorbs float drift from repeated reserve/release cycles.
const capacityEpsilon = 1e-9

// Registry manages resource units. All methods are safe for concurrent use.
// Callers that hold their own lock must acquire it before calling in; the
// registry lock is always the innermost one.
type Registry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	units  map[model.UnitID]*model.ResourceUnit
	// reserved holds the capacity granted through Reserve per unit. It can
	// be lower than Total-Available when Update reports external load.
	reserved map[model.UnitID]float64
	nextID   model.UnitID
	now      func() time.Time
}

// New creates an empty registry
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("registry"),
		units:    make(map[model.UnitID]*model.ResourceUnit),
		reserved: make(map[model.UnitID]float64),
		now:      time.Now,
	}
}

// Add registers a new active unit with all of its capacity available.
func (r *Registry) Add(resourceType model.ResourceType, capacity, performance, efficiency float64) (model.UnitID, error) {
	if err := validateType("Add", resourceType); err != nil {
		return 0, err
	}
	if err := validateNonNegative("Add", map[string]float64{
		"capacity":    capacity,
		"performance": performance,
		"efficiency":  efficiency,
	}); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	unit := &model.ResourceUnit{
		ID:                r.nextID,
		Type:              resourceType,
		TotalCapacity:     capacity,
		AvailableCapacity: capacity,
		PerformanceRating: performance,
		EfficiencyRating:  efficiency,
		Active:            true,
		LastUpdate:        r.now(),
	}
	r.units[unit.ID] = unit

	r.logger.Info("Resource unit registered",
		zap.Uint64("unit_id", uint64(unit.ID)),
		zap.String("type", string(resourceType)),
		zap.Float64("capacity", capacity))

	return unit.ID, nil
}

// Remove unregisters a unit. Units holding reservations cannot be removed.
func (r *Registry) Remove(id model.UnitID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.units[id]
	if !ok {
		return fmt.Errorf("remove unit %d: %w", id, model.ErrResourceNotFound)
	}
	if r.reserved[id] > capacityEpsilon {
		return fmt.Errorf("remove unit %d: %w", id, ErrUnitBusy)
	}

	delete(r.units, id)
	delete(r.reserved, id)
	r.logger.Info("Resource unit removed", zap.Uint64("unit_id", uint64(id)))
	return nil
}

// Update overwrites the availability and ratings of a unit. Availability
// can be lowered to account for load outside the scheduler but never raised
// above the capacity not held by reservations.
func (r *Registry) Update(id model.UnitID, available, performance, efficiency float64) error {
	if err := validateNonNegative("Update", map[string]float64{
		"available":   available,
		"performance": performance,
		"efficiency":  efficiency,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unit, ok := r.units[id]
	if !ok {
		return fmt.Errorf("update unit %d: %w", id, model.ErrResourceNotFound)
	}
	if available > unit.TotalCapacity {
		return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrInvalidInput{
			Caller:     "Update",
			InputName:  "available",
			InputValue: available,
			Issue:      fmt.Errorf("exceeds total capacity %.2f", unit.TotalCapacity),
		})
	}
	if reserved := r.reserved[id]; available > unit.TotalCapacity-reserved+capacityEpsilon {
		return fmt.Errorf("update unit %d to available %.2f with %.2f reserved: %w",
			id, available, reserved, ErrUnitBusy)
	}

	unit.AvailableCapacity = available
	unit.PerformanceRating = performance
	unit.EfficiencyRating = efficiency
	unit.LastUpdate = r.now()
	return nil
}

// SetActive enables or disables a unit for new placements.
func (r *Registry) SetActive(id model.UnitID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unit, ok := r.units[id]
	if !ok {
		return fmt.Errorf("set active on unit %d: %w", id, model.ErrResourceNotFound)
	}
	unit.Active = active
	unit.LastUpdate = r.now()
	return nil
}

// Find returns a copy of the unit with the given ID.
func (r *Registry) Find(id model.UnitID) (model.ResourceUnit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	unit, ok := r.units[id]
	if !ok {
		return model.ResourceUnit{}, false
	}
	return *unit, true
}

// ListActive returns copies of active units of the given type ordered by ID.
// An empty type matches every unit.
func (r *Registry) ListActive(resourceType model.ResourceType) []model.ResourceUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	units := make([]model.ResourceUnit, 0, len(r.units))
	for _, unit := range r.units {
		if !unit.Active {
			continue
		}
		if resourceType != "" && unit.Type != resourceType {
			continue
		}
		units = append(units, *unit)
	}
	sortByID(units)
	return units
}

// List returns copies of all units ordered by ID.
func (r *Registry) List() []model.ResourceUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	units := make([]model.ResourceUnit, 0, len(r.units))
	for _, unit := range r.units {
		units = append(units, *unit)
	}
	sortByID(units)
	return units
}

// Reserve takes amount from the unit's available capacity.
func (r *Registry) Reserve(id model.UnitID, amount float64) error {
	if amount < 0 || math.IsNaN(amount) {
		return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrNegativeInput{InputName: "amount"})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unit, ok := r.units[id]
	if !ok {
		return fmt.Errorf("reserve on unit %d: %w", id, model.ErrResourceNotFound)
	}
	if !unit.Active || unit.AvailableCapacity+capacityEpsilon < amount {
		return fmt.Errorf("reserve %.2f on unit %d (available %.2f): %w",
			amount, id, unit.AvailableCapacity, model.ErrInsufficientCapacity)
	}

	unit.AvailableCapacity = math.Max(0, unit.AvailableCapacity-amount)
	r.reserved[id] += amount
	unit.LastUpdate = r.now()
	return nil
}

// Release returns amount to the unit's available capacity.
func (r *Registry) Release(id model.UnitID, amount float64) error {
	if amount < 0 || math.IsNaN(amount) {
		return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrNegativeInput{InputName: "amount"})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unit, ok := r.units[id]
	if !ok {
		return fmt.Errorf("release on unit %d: %w", id, model.ErrResourceNotFound)
	}
	reserved := r.reserved[id]
	if amount > reserved+capacityEpsilon {
		return fmt.Errorf("release %.2f on unit %d exceeds reservations %.2f: %w",
			amount, id, reserved, model.ErrInternalAllocation)
	}

	reserved = math.Max(0, reserved-amount)
	r.reserved[id] = reserved
	unit.AvailableCapacity = math.Min(unit.TotalCapacity-reserved, unit.AvailableCapacity+amount)
	unit.LastUpdate = r.now()
	return nil
}

// Resize changes the total capacity of a unit while keeping its reservations.
func (r *Registry) Resize(id model.UnitID, total float64) error {
	if total < 0 || math.IsNaN(total) {
		return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrNegativeInput{InputName: "total"})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unit, ok := r.units[id]
	if !ok {
		return fmt.Errorf("resize unit %d: %w", id, model.ErrResourceNotFound)
	}
	reserved := r.reserved[id]
	if total+capacityEpsilon < reserved {
		return fmt.Errorf("resize unit %d to %.2f below reserved %.2f: %w", id, total, reserved, ErrUnitBusy)
	}
	external := math.Max(0, unit.TotalCapacity-reserved-unit.AvailableCapacity)

	unit.TotalCapacity = total
	unit.AvailableCapacity = math.Max(0, total-reserved-external)
	unit.LastUpdate = r.now()

	r.logger.Debug("Resource unit resized",
		zap.Uint64("unit_id", uint64(id)),
		zap.Float64("total", total),
		zap.Float64("reserved", reserved))
	return nil
}

// Reserved returns the capacity currently granted through Reserve on a unit.
func (r *Registry) Reserved(id model.UnitID) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reserved[id]
}

// Totals is the aggregate capacity of one resource type.
type Totals struct {
	Total     float64
	Available float64
	Units     int
}

// Reserved returns the aggregate reserved capacity.
func (t Totals) Reserved() float64 {
	return t.Total - t.Available
}

// TotalsByType aggregates active units per resource type.
func (r *Registry) TotalsByType() map[model.ResourceType]Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[model.ResourceType]Totals)
	for _, unit := range r.units {
		if !unit.Active {
			continue
		}
		t := totals[unit.Type]
		t.Total += unit.TotalCapacity
		t.Available += unit.AvailableCapacity
		t.Units++
		totals[unit.Type] = t
	}
	return totals
}

func sortByID(units []model.ResourceUnit) {
	sort.Slice(units, func(i, j int) bool {
		return units[i].ID < units[j].ID
	})
}

func validateType(caller string, resourceType model.ResourceType) error {
	if !resourceType.IsValid() {
		return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrInvalidInput{
			Caller:     caller,
			InputName:  "resourceType",
			InputValue: resourceType,
			Issue:      errors.New("unknown resource type"),
		})
	}
	return nil
}

func validateNonNegative(caller string, values map[string]float64) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := values[name]
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrValidation{
				Caller: caller,
				Issue:  goerrors.ErrNegativeInput{InputName: name},
			})
		}
	}
	return nil
}
