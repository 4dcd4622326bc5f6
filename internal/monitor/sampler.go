package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/registry"
)

// Sampler reports the current usage and capacity of one resource type
type Sampler interface {
	Sample(ctx context.Context) (used, capacity float64, err error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context) (float64, float64, error)

// Sample calls f
func (f SamplerFunc) Sample(ctx context.Context) (float64, float64, error) {
	return f(ctx)
}

// TotalsSource is the part of the registry RegistrySampler reads
type TotalsSource interface {
	TotalsByType() map[model.ResourceType]registry.Totals
}

// RegistrySampler reports reserved over total capacity of the active units
// of one type.
type RegistrySampler struct {
	source       TotalsSource
	resourceType model.ResourceType
}

// NewRegistrySampler creates a sampler for resourceType
func NewRegistrySampler(source TotalsSource, resourceType model.ResourceType) *RegistrySampler {
	return &RegistrySampler{source: source, resourceType: resourceType}
}

// Sample returns the reserved and total capacity
func (s *RegistrySampler) Sample(context.Context) (float64, float64, error) {
	totals := s.source.TotalsByType()[s.resourceType]
	return totals.Reserved(), totals.Total, nil
}

// SystemSampler reads host CPU or memory usage
type SystemSampler struct {
	resourceType model.ResourceType
}

// NewSystemSampler creates a host sampler. Only cpu and memory are supported.
func NewSystemSampler(resourceType model.ResourceType) (*SystemSampler, error) {
	switch resourceType {
	case model.ResourceTypeCPU, model.ResourceTypeMemory:
		return &SystemSampler{resourceType: resourceType}, nil
	}
	return nil, fmt.Errorf("%w: no system sampler for %q", model.ErrInvalidArgument, resourceType)
}

// Sample returns CPU percent over 100, or used over total memory bytes
func (s *SystemSampler) Sample(ctx context.Context) (float64, float64, error) {
	if s.resourceType == model.ResourceTypeCPU {
		percent, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to get CPU usage: %w", err)
		}
		if len(percent) == 0 {
			return 0, 0, fmt.Errorf("failed to get CPU usage: empty result")
		}
		return percent[0], 100, nil
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	return float64(memInfo.Used), float64(memInfo.Total), nil
}
