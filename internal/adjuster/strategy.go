package adjuster

import (
	"math"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// Inputs is everything a strategy may look at
type Inputs struct {
	MaxSupported   int
	MinRequired    int
	Optimal        int
	Current        int
	Stats          model.UsageStats
	ErrorTolerance float64
	Policy         model.AdjustPolicy
	// FreshUsage is set when a usage report arrived after the last
	// evaluated adjustment.
	FreshUsage bool
}

// StrategyFunc recommends a pool size
type StrategyFunc func(in Inputs) int

func fraction(total int, f float64) int {
	return int(math.Round(float64(total) * f))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

// step returns a change of at least one unit
func step(current int, f float64) int {
	delta := int(math.Round(float64(current) * f))
	if delta < 1 {
		delta = 1
	}
	return delta
}

// Conservative keeps 30% of the device in reserve
func Conservative(in Inputs) int {
	target := fraction(in.MaxSupported, in.Policy.ConservativeFraction)
	if target < in.MinRequired {
		target = in.MinRequired
	}
	if target > in.MaxSupported {
		target = in.MaxSupported
	}
	return target
}

// Balanced prefers the configured optimum and falls back to 85% of the device
func Balanced(in Inputs) int {
	target := fraction(in.MaxSupported, in.Policy.BalancedFraction)
	if in.Optimal > 0 && in.Optimal <= in.MaxSupported {
		target = in.Optimal
	}
	if target < in.MinRequired {
		target = in.MinRequired
	}
	return target
}

// Aggressive claims nearly the whole device
func Aggressive(in Inputs) int {
	target := fraction(in.MaxSupported, in.Policy.AggressiveFraction)
	if target < in.MinRequired {
		target = in.MinRequired
	}
	return target
}

// Adaptive grows under sustained usage with low errors and shrinks when idle
// or error prone. Without usage history it behaves like Balanced. Each usage
// report moves the pool at most one step; without a new report it holds.
func Adaptive(in Inputs) int {
	if in.Stats.Reports == 0 || in.Current <= 0 {
		return Balanced(in)
	}
	if !in.FreshUsage {
		return clamp(in.Current, in.MinRequired, in.MaxSupported)
	}

	usageRatio := float64(in.Stats.ActiveUnits) / float64(in.Current)
	errorRatio := errorRatio(in.Stats.AvgErrorRate, in.ErrorTolerance)

	target := in.Current
	switch {
	case usageRatio > in.Policy.GrowUsageRatio && errorRatio < in.Policy.GrowErrorRatio:
		target += step(in.Current, in.Policy.GrowStep)
	case usageRatio < in.Policy.ShrinkUsageRatio:
		target -= step(in.Current, in.Policy.ShrinkStep)
	case errorRatio > in.Policy.ErrorShrinkRatio:
		target -= step(in.Current, in.Policy.ErrorShrinkStep)
	}

	return clamp(target, in.MinRequired, in.MaxSupported)
}

func errorRatio(avg, tolerance float64) float64 {
	if tolerance <= 0 {
		if avg > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return avg / tolerance
}

func builtin(strategy model.AdjustStrategy) (StrategyFunc, bool) {
	switch strategy {
	case model.AdjustConservative:
		return Conservative, true
	case model.AdjustBalanced:
		return Balanced, true
	case model.AdjustAggressive:
		return Aggressive, true
	case model.AdjustAdaptive:
		return Adaptive, true
	}
	return nil, false
}
