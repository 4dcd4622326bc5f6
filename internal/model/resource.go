package model

import "time"

// UnitID identifies a registered resource unit. IDs are never reused.
type UnitID uint64

// ResourceType represents a class of resource
type ResourceType string

const (
	ResourceTypeCPU         ResourceType = "cpu"
	ResourceTypeMemory      ResourceType = "memory"
	ResourceTypeAllocatable ResourceType = "allocatable"
	ResourceTypeStorage     ResourceType = "storage"
	ResourceTypeNetwork     ResourceType = "network"
)

// ResourceTypes lists every known resource type in a stable order.
var ResourceTypes = []ResourceType{
	ResourceTypeCPU,
	ResourceTypeMemory,
	ResourceTypeAllocatable,
	ResourceTypeStorage,
	ResourceTypeNetwork,
}

// IsValid reports whether t is a known resource type.
func (t ResourceType) IsValid() bool {
	for _, known := range ResourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ResourceUnit represents a registered execution target
type ResourceUnit struct {
	ID                UnitID       `json:"id"`
	Type              ResourceType `json:"type"`
	TotalCapacity     float64      `json:"total_capacity"`
	AvailableCapacity float64      `json:"available_capacity"`
	PerformanceRating float64      `json:"performance_rating"`
	EfficiencyRating  float64      `json:"efficiency_rating"`
	Active            bool         `json:"active"`
	LastUpdate        time.Time    `json:"last_update"`
}

// Reserved returns the capacity currently held by reservations.
func (u ResourceUnit) Reserved() float64 {
	return u.TotalCapacity - u.AvailableCapacity
}

// Utilization returns the reserved fraction of the unit, 0 for empty units.
func (u ResourceUnit) Utilization() float64 {
	if u.TotalCapacity <= 0 {
		return 0
	}
	return u.Reserved() / u.TotalCapacity
}

// AllocationStrategy selects how tasks are matched to resource units
type AllocationStrategy string

const (
	AllocationPerformance  AllocationStrategy = "performance"
	AllocationEfficiency   AllocationStrategy = "efficiency"
	AllocationBalanced     AllocationStrategy = "balanced"
	AllocationEnergySaving AllocationStrategy = "energy_saving"
)

// AllocationConfig is the scheduler configuration snapshot.
// It is replaced wholesale, never mutated in place.
type AllocationConfig struct {
	Strategy          AllocationStrategy `json:"strategy"`
	MaxQueueSize      int                `json:"max_queue_size"`
	WorkerCount       int                `json:"worker_count"`
	RebalanceInterval time.Duration      `json:"rebalance_interval"`
	PreemptionEnabled bool               `json:"preemption_enabled"`
	PriorityWeight    float64            `json:"priority_weight"`
	PerformanceWeight float64            `json:"performance_weight"`
	EfficiencyWeight  float64            `json:"efficiency_weight"`
	// TimeoutFactor multiplies a task's expected duration to get its deadline.
	// Zero disables timeouts.
	TimeoutFactor float64 `json:"timeout_factor"`
}

// DefaultAllocationConfig returns the default scheduler configuration.
func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{
		Strategy:          AllocationBalanced,
		MaxQueueSize:      1024,
		WorkerCount:       4,
		RebalanceInterval: 5 * time.Second,
		PriorityWeight:    0.4,
		PerformanceWeight: 0.3,
		EfficiencyWeight:  0.3,
		TimeoutFactor:     2.0,
	}
}
