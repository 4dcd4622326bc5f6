// Package device discovers what the host can provide to the scheduler.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// Source produces device capability snapshots
type Source interface {
	Probe(ctx context.Context) (model.DeviceCapabilities, error)
}

// ProbeConfig controls how host resources translate into allocatable units
type ProbeConfig struct {
	UnitsPerCore       int
	BytesPerUnit       uint64
	BaseErrorRate      float64
	DedicatedAllocator bool
}

// DefaultProbeConfig returns the default probe configuration
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		UnitsPerCore:  4,
		BytesPerUnit:  256 << 20,
		BaseErrorRate: 0.01,
	}
}

// HostProbe reads CPU and memory information with gopsutil
type HostProbe struct {
	logger *zap.Logger
	cfg    ProbeConfig
}

// NewHostProbe creates a host probe
func NewHostProbe(cfg ProbeConfig, logger *zap.Logger) (*HostProbe, error) {
	if cfg.UnitsPerCore <= 0 || cfg.BytesPerUnit == 0 {
		return nil, fmt.Errorf("%w: units per core and bytes per unit must be positive", model.ErrInvalidArgument)
	}
	if cfg.BaseErrorRate < 0 || cfg.BaseErrorRate > 1 {
		return nil, fmt.Errorf("%w: base error rate %v", model.ErrInvalidArgument, cfg.BaseErrorRate)
	}
	return &HostProbe{logger: logger.Named("host-probe"), cfg: cfg}, nil
}

// Probe returns the current host capabilities. The allocatable unit budget is
// bounded by both the core count and the available memory.
func (p *HostProbe) Probe(ctx context.Context) (model.DeviceCapabilities, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return model.DeviceCapabilities{}, fmt.Errorf("failed to count CPU cores: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.DeviceCapabilities{}, fmt.Errorf("failed to get memory info: %w", err)
	}

	freq := 0.0
	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		p.logger.Debug("CPU frequency unavailable", zap.Error(err))
	} else if len(infos) > 0 {
		freq = infos[0].Mhz
	}

	maxUnits := cores * p.cfg.UnitsPerCore
	if byMemory := int(memInfo.Available / p.cfg.BytesPerUnit); byMemory < maxUnits {
		maxUnits = byMemory
	}

	caps := model.DeviceCapabilities{
		CPUCores:              cores,
		CPUFreqMHz:            freq,
		TotalRAM:              memInfo.Total,
		AvailableRAM:          memInfo.Available,
		MaxAllocatableUnits:   maxUnits,
		AllocatableErrorRate:  p.cfg.BaseErrorRate,
		HasDedicatedAllocator: p.cfg.DedicatedAllocator,
		ProbedAt:              time.Now(),
	}

	p.logger.Debug("Host probed",
		zap.Int("cpu_cores", caps.CPUCores),
		zap.Uint64("available_ram", caps.AvailableRAM),
		zap.Int("max_allocatable_units", caps.MaxAllocatableUnits))

	return caps, nil
}

// StaticSource returns a fixed snapshot that can be replaced at runtime
type StaticSource struct {
	mu   sync.Mutex
	caps model.DeviceCapabilities
	err  error
}

// NewStaticSource creates a source reporting caps
func NewStaticSource(caps model.DeviceCapabilities) *StaticSource {
	return &StaticSource{caps: caps}
}

// Set replaces the reported snapshot
func (s *StaticSource) Set(caps model.DeviceCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
	s.err = nil
}

// Fail makes subsequent probes return err
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Probe returns the configured snapshot
func (s *StaticSource) Probe(context.Context) (model.DeviceCapabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.DeviceCapabilities{}, s.err
	}
	caps := s.caps
	caps.ProbedAt = time.Now()
	return caps, nil
}
