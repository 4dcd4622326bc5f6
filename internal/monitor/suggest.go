package monitor

import (
	"fmt"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// Suggest proposes a change when the latest usage of a type is outside the
// configured band. The estimated improvement is the distance past the
// nearest boundary relative to the headroom beyond that boundary.
func (m *Monitor) Suggest(resourceType model.ResourceType) (model.OptimizationSuggestion, bool) {
	usage, ok := m.Usage(resourceType)
	if !ok {
		return model.OptimizationSuggestion{}, false
	}

	low, high := m.cfg.LowThreshold, m.cfg.HighThreshold
	suggestion := model.OptimizationSuggestion{
		ResourceType: resourceType,
		Usage:        usage,
		CreatedAt:    m.now(),
	}

	switch {
	case usage > high:
		suggestion.Boundary = high
		suggestion.EstimatedImprovement = clampUnit((usage - high) / (1 - high))
		switch {
		case resourceType == model.ResourceTypeAllocatable:
			suggestion.Kind = model.SuggestionIncreaseAllocation
		case usage >= 1:
			suggestion.Kind = model.SuggestionReduceLoad
		default:
			suggestion.Kind = model.SuggestionRebalance
		}
		suggestion.Message = fmt.Sprintf("%s usage %.2f above %.2f", resourceType, usage, high)
	case usage < low:
		suggestion.Boundary = low
		suggestion.EstimatedImprovement = clampUnit((low - usage) / low)
		if resourceType == model.ResourceTypeAllocatable {
			suggestion.Kind = model.SuggestionDecreaseAllocation
		} else {
			suggestion.Kind = model.SuggestionConsolidate
		}
		suggestion.Message = fmt.Sprintf("%s usage %.2f below %.2f", resourceType, usage, low)
	default:
		return model.OptimizationSuggestion{}, false
	}

	return suggestion, true
}

// Suggestions returns a suggestion for every type outside its band
func (m *Monitor) Suggestions() []model.OptimizationSuggestion {
	var out []model.OptimizationSuggestion
	for _, t := range model.ResourceTypes {
		if s, ok := m.Suggest(t); ok {
			out = append(out, s)
		}
	}
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
