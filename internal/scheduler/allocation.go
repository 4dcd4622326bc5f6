package scheduler

import (
	"sort"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// ScoringStrategy defines the interface for placement scoring strategies
type ScoringStrategy interface {
	Score(task *model.Task, unit model.ResourceUnit, cfg model.AllocationConfig) float64
}

func priorityTerm(task *model.Task, cfg model.AllocationConfig) float64 {
	return cfg.PriorityWeight * float64(task.Priority) / float64(model.MaxTaskPriority)
}

// PerformanceFirstStrategy prefers the fastest units
type PerformanceFirstStrategy struct{}

// Score combines priority and unit performance
func (PerformanceFirstStrategy) Score(task *model.Task, unit model.ResourceUnit, cfg model.AllocationConfig) float64 {
	return priorityTerm(task, cfg) + cfg.PerformanceWeight*unit.PerformanceRating
}

// EfficiencyFirstStrategy prefers the most efficient units
type EfficiencyFirstStrategy struct{}

// Score combines priority and unit efficiency
func (EfficiencyFirstStrategy) Score(task *model.Task, unit model.ResourceUnit, cfg model.AllocationConfig) float64 {
	return priorityTerm(task, cfg) + cfg.EfficiencyWeight*unit.EfficiencyRating
}

// BalancedStrategy weighs priority, performance and efficiency together
type BalancedStrategy struct{}

// Score sums all three weighted terms
func (BalancedStrategy) Score(task *model.Task, unit model.ResourceUnit, cfg model.AllocationConfig) float64 {
	return priorityTerm(task, cfg) +
		cfg.PerformanceWeight*unit.PerformanceRating +
		cfg.EfficiencyWeight*unit.EfficiencyRating
}

// EnergySavingStrategy packs work onto already busy, efficient units so that
// other units can stay idle.
type EnergySavingStrategy struct{}

// Score adds a packing bonus that grows as the unit fills up
func (EnergySavingStrategy) Score(task *model.Task, unit model.ResourceUnit, cfg model.AllocationConfig) float64 {
	packing := 0.0
	if unit.TotalCapacity > 0 {
		packing = 1 - (unit.AvailableCapacity-task.ResourceDemand)/unit.TotalCapacity
	}
	return priorityTerm(task, cfg) + cfg.EfficiencyWeight*unit.EfficiencyRating + packing
}

// AllocationEngine scores (task, unit) pairs and picks placements.
type AllocationEngine struct {
	strategies map[model.AllocationStrategy]ScoringStrategy
}

// NewAllocationEngine creates an engine with the built-in strategies
func NewAllocationEngine() *AllocationEngine {
	return &AllocationEngine{
		strategies: map[model.AllocationStrategy]ScoringStrategy{
			model.AllocationPerformance:  PerformanceFirstStrategy{},
			model.AllocationEfficiency:   EfficiencyFirstStrategy{},
			model.AllocationBalanced:     BalancedStrategy{},
			model.AllocationEnergySaving: EnergySavingStrategy{},
		},
	}
}

// SupportsStrategy reports whether the engine knows the strategy.
func (e *AllocationEngine) SupportsStrategy(strategy model.AllocationStrategy) bool {
	_, ok := e.strategies[strategy]
	return ok
}

// Feasible reports whether the unit can host the task right now.
func Feasible(task *model.Task, unit model.ResourceUnit) bool {
	if !unit.Active {
		return false
	}
	if task.ResourceType != "" && unit.Type != task.ResourceType {
		return false
	}
	return unit.AvailableCapacity >= task.ResourceDemand
}

// Score returns the placement score, 0 when the unit is not feasible.
func (e *AllocationEngine) Score(task *model.Task, unit model.ResourceUnit, cfg model.AllocationConfig) float64 {
	if !Feasible(task, unit) {
		return 0
	}
	strategy, ok := e.strategies[cfg.Strategy]
	if !ok {
		strategy = BalancedStrategy{}
	}
	return strategy.Score(task, unit, cfg)
}

// SelectUnit returns the feasible unit with the highest score. Ties go to the
// lowest unit ID so placement is reproducible.
func (e *AllocationEngine) SelectUnit(task *model.Task, units []model.ResourceUnit, cfg model.AllocationConfig) (model.UnitID, bool) {
	ordered := make([]model.ResourceUnit, len(units))
	copy(ordered, units)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ID < ordered[j].ID
	})

	var (
		selected  model.UnitID
		bestScore float64
		found     bool
	)
	for _, unit := range ordered {
		if !Feasible(task, unit) {
			continue
		}
		score := e.Score(task, unit, cfg)
		if !found || score > bestScore {
			selected = unit.ID
			bestScore = score
			found = true
		}
	}

	return selected, found
}
