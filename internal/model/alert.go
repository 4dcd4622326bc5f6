package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// IsValid reports whether s is a known severity.
func (s AlertSeverity) IsValid() bool {
	switch s {
	case AlertSeverityInfo, AlertSeverityWarning, AlertSeverityError, AlertSeverityCritical:
		return true
	}
	return false
}

// AlertFunc receives alerts raised by a threshold.
type AlertFunc func(alert Alert)

// ResourceThreshold defines a usage fraction that raises an alert when reached.
// A fraction of 0 fires on every sampling cycle.
type ResourceThreshold struct {
	ID           string        `json:"id"`
	ResourceType ResourceType  `json:"resource_type"`
	Fraction     float64       `json:"fraction"`
	Severity     AlertSeverity `json:"severity"`
	Callback     AlertFunc     `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Alert represents an alert event
type Alert struct {
	ID           string        `json:"id"`
	ThresholdID  string        `json:"threshold_id"`
	ResourceType ResourceType  `json:"resource_type"`
	Level        AlertSeverity `json:"level"`
	Message      string        `json:"message"`
	Value        float64       `json:"value"`
	Threshold    float64       `json:"threshold"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SuggestionKind encodes the direction of an optimization suggestion
type SuggestionKind string

const (
	SuggestionIncreaseAllocation SuggestionKind = "increase_allocation"
	SuggestionDecreaseAllocation SuggestionKind = "decrease_allocation"
	SuggestionRebalance          SuggestionKind = "rebalance"
	SuggestionReduceLoad         SuggestionKind = "reduce_load"
	SuggestionConsolidate        SuggestionKind = "consolidate"
)

// OptimizationSuggestion describes how a resource type could be brought back
// inside its target usage band.
type OptimizationSuggestion struct {
	ResourceType ResourceType   `json:"resource_type"`
	Kind         SuggestionKind `json:"kind"`
	Usage        float64        `json:"usage"`
	Boundary     float64        `json:"boundary"`
	// EstimatedImprovement is a heuristic in [0,1].
	EstimatedImprovement float64   `json:"estimated_improvement"`
	Message              string    `json:"message"`
	CreatedAt            time.Time `json:"created_at"`
}

// ResourceUsage is the usage of one resource type at snapshot time.
type ResourceUsage struct {
	Type          ResourceType `json:"type"`
	UsageFraction float64      `json:"usage_fraction"`
	PeakFraction  float64      `json:"peak_fraction"`
}

// ResourcePerformance holds operation counters for one resource type.
type ResourcePerformance struct {
	Type         ResourceType `json:"type"`
	OpsCount     uint64       `json:"ops_count"`
	OpsPerSecond float64      `json:"ops_per_second"`
}

// Snapshot is an immutable view of monitored resources at a point in time
type Snapshot struct {
	Timestamp   time.Time             `json:"timestamp"`
	Uptime      time.Duration         `json:"uptime"`
	Resources   []ResourceUsage       `json:"resources"`
	Performance []ResourcePerformance `json:"performance"`
}
