package model

import "time"

// AdjustStrategy selects how the allocatable pool size is recommended
type AdjustStrategy string

const (
	AdjustConservative AdjustStrategy = "conservative"
	AdjustBalanced     AdjustStrategy = "balanced"
	AdjustAggressive   AdjustStrategy = "aggressive"
	AdjustAdaptive     AdjustStrategy = "adaptive"
	AdjustCustom       AdjustStrategy = "custom"
)

// AdjustMode decides when automatic adjustments are triggered
type AdjustMode string

const (
	AdjustModeOnDemand   AdjustMode = "on_demand"
	AdjustModePeriodic   AdjustMode = "periodic"
	AdjustModeContinuous AdjustMode = "continuous"
	AdjustModeManual     AdjustMode = "manual"
)

// AdjustPolicy holds the tunable constants used by the strategies.
type AdjustPolicy struct {
	ConservativeFraction float64 `json:"conservative_fraction"`
	BalancedFraction     float64 `json:"balanced_fraction"`
	AggressiveFraction   float64 `json:"aggressive_fraction"`

	// Adaptive strategy
	GrowUsageRatio   float64 `json:"grow_usage_ratio"`
	GrowErrorRatio   float64 `json:"grow_error_ratio"`
	GrowStep         float64 `json:"grow_step"`
	ShrinkUsageRatio float64 `json:"shrink_usage_ratio"`
	ShrinkStep       float64 `json:"shrink_step"`
	ErrorShrinkRatio float64 `json:"error_shrink_ratio"`
	ErrorShrinkStep  float64 `json:"error_shrink_step"`
}

// DefaultAdjustPolicy returns the policy constants observed in production use.
func DefaultAdjustPolicy() AdjustPolicy {
	return AdjustPolicy{
		ConservativeFraction: 0.70,
		BalancedFraction:     0.85,
		AggressiveFraction:   0.95,
		GrowUsageRatio:       0.85,
		GrowErrorRatio:       0.80,
		GrowStep:             0.15,
		ShrinkUsageRatio:     0.50,
		ShrinkStep:           0.15,
		ErrorShrinkRatio:     1.20,
		ErrorShrinkStep:      0.10,
	}
}

// AdaptiveConfig configures the adaptive resource controller.
type AdaptiveConfig struct {
	MinUnits     int `json:"min_units"`
	MaxUnits     int `json:"max_units"` // 0 means unlimited
	OptimalUnits int `json:"optimal_units"`
	CurrentUnits int `json:"current_units"`

	ErrorTolerance float64        `json:"error_tolerance"`
	Strategy       AdjustStrategy `json:"strategy"`
	Mode           AdjustMode     `json:"mode"`
	AdjustInterval time.Duration  `json:"adjust_interval"`
	AutoAdjust     bool           `json:"auto_adjust"`
	Policy         AdjustPolicy   `json:"policy"`
}

// DefaultAdaptiveConfig returns the default controller configuration.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinUnits:       1,
		ErrorTolerance: 0.05,
		Strategy:       AdjustBalanced,
		Mode:           AdjustModeOnDemand,
		AdjustInterval: 30 * time.Second,
		Policy:         DefaultAdjustPolicy(),
	}
}

// UsageStats summarizes how the allocatable pool has been used.
type UsageStats struct {
	AllocatedUnits    int     `json:"allocated_units"`
	ActiveUnits       int     `json:"active_units"`
	PeakUnits         int     `json:"peak_units"`
	TotalAdjustments  uint64  `json:"total_adjustments"`
	FailedAdjustments uint64  `json:"failed_adjustments"`
	AvgErrorRate      float64 `json:"avg_error_rate"`
	Reports           uint64  `json:"reports"`
}

// AdjustResult is the outcome of an adjustment attempt
type AdjustResult string

const (
	AdjustSuccess              AdjustResult = "success"
	AdjustNoChangeNeeded       AdjustResult = "no_change_needed"
	AdjustInsufficientCapacity AdjustResult = "insufficient_capacity"
	AdjustError                AdjustResult = "error"
)

// Adjustment records a single adjustment attempt.
type Adjustment struct {
	OldUnits int          `json:"old_units"`
	NewUnits int          `json:"new_units"`
	Result   AdjustResult `json:"result"`
	Error    string       `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}
