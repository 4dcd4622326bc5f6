package model

import (
	"math"
	"time"
)

// DeviceCapabilities is a snapshot of what the host can provide
type DeviceCapabilities struct {
	CPUCores              int       `json:"cpu_cores"`
	CPUFreqMHz            float64   `json:"cpu_freq_mhz"`
	TotalRAM              uint64    `json:"total_ram"`
	AvailableRAM          uint64    `json:"available_ram"`
	MaxAllocatableUnits   int       `json:"max_allocatable_units"`
	AllocatableErrorRate  float64   `json:"allocatable_error_rate"`
	HasDedicatedAllocator bool      `json:"has_dedicated_allocator"`
	ProbedAt              time.Time `json:"probed_at"`
}

// MaterialChangeFraction is the relative delta above which a capability
// change is reported to subscribers.
const MaterialChangeFraction = 0.10

// ChangedMaterially reports whether cores, RAM or allocatable units moved by
// more than MaterialChangeFraction relative to prev.
func (c DeviceCapabilities) ChangedMaterially(prev DeviceCapabilities) bool {
	return relativeDelta(float64(c.CPUCores), float64(prev.CPUCores)) > MaterialChangeFraction ||
		relativeDelta(float64(c.TotalRAM), float64(prev.TotalRAM)) > MaterialChangeFraction ||
		relativeDelta(float64(c.AvailableRAM), float64(prev.AvailableRAM)) > MaterialChangeFraction ||
		relativeDelta(float64(c.MaxAllocatableUnits), float64(prev.MaxAllocatableUnits)) > MaterialChangeFraction
}

func relativeDelta(current, previous float64) float64 {
	if previous == 0 {
		if current == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(current-previous) / previous
}
