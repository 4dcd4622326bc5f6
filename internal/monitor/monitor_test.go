package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/registry"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (r *alertRecorder) Alert(alert model.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func newTestMonitor(t *testing.T, sink AlertSink, modify func(*Config)) *Monitor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SamplingInterval = 10 * time.Millisecond
	if modify != nil {
		modify(&cfg)
	}
	m, err := NewMonitor(cfg, sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func TestMonitor_ThresholdFiresOncePerCycle(t *testing.T) {
	sink := &alertRecorder{}
	m := newTestMonitor(t, sink, nil)
	require.NoError(t, m.SetCapacity(model.ResourceTypeCPU, 100))

	var fired []model.Alert
	_, err := m.AddThreshold(model.ResourceThreshold{
		ResourceType: model.ResourceTypeCPU,
		Fraction:     0.8,
		Severity:     model.AlertSeverityWarning,
		Callback:     func(alert model.Alert) { fired = append(fired, alert) },
	})
	require.NoError(t, err)

	m.RecordOperation(model.ResourceTypeCPU, 85)

	alerts := m.Sample(context.Background())
	require.Len(t, alerts, 1)
	require.Len(t, fired, 1)
	assert.Equal(t, model.ResourceTypeCPU, fired[0].ResourceType)
	assert.Equal(t, model.AlertSeverityWarning, fired[0].Level)
	assert.InDelta(t, 0.85, fired[0].Value, 1e-9)
	assert.Equal(t, 0.8, fired[0].Threshold)

	m.Sample(context.Background())
	assert.Len(t, fired, 2, "re-arms on the next cycle")
	assert.Equal(t, 2, sink.count())
	assert.Len(t, m.RecentAlerts(), 2)

	m.ReleaseUsage(model.ResourceTypeCPU, 85)
	assert.Empty(t, m.Sample(context.Background()))
}

func TestMonitor_ThresholdOrderAndRemoval(t *testing.T) {
	m := newTestMonitor(t, nil, nil)
	require.NoError(t, m.SetCapacity(model.ResourceTypeMemory, 10))

	var order []string
	add := func(name string, fraction float64) string {
		id, err := m.AddThreshold(model.ResourceThreshold{
			ResourceType: model.ResourceTypeMemory,
			Fraction:     fraction,
			Severity:     model.AlertSeverityInfo,
			Callback:     func(model.Alert) { order = append(order, name) },
		})
		require.NoError(t, err)
		return id
	}
	add("first", 0.9)
	second := add("second", 0.5)
	add("third", 0.7)

	m.RecordOperation(model.ResourceTypeMemory, 9.5)
	m.Sample(context.Background())
	assert.Equal(t, []string{"first", "second", "third"}, order)

	require.NoError(t, m.RemoveThreshold(second))
	require.ErrorIs(t, m.RemoveThreshold(second), ErrThresholdNotFound)
	assert.Len(t, m.Thresholds(), 2)

	order = nil
	m.Sample(context.Background())
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestMonitor_ThresholdValidation(t *testing.T) {
	m := newTestMonitor(t, nil, nil)

	tests := []struct {
		name      string
		threshold model.ResourceThreshold
	}{
		{"unknown type", model.ResourceThreshold{ResourceType: "gpu", Fraction: 0.5, Severity: model.AlertSeverityInfo}},
		{"negative fraction", model.ResourceThreshold{ResourceType: model.ResourceTypeCPU, Fraction: -0.1, Severity: model.AlertSeverityInfo}},
		{"fraction above one", model.ResourceThreshold{ResourceType: model.ResourceTypeCPU, Fraction: 1.5, Severity: model.AlertSeverityInfo}},
		{"unknown severity", model.ResourceThreshold{ResourceType: model.ResourceTypeCPU, Fraction: 0.5, Severity: "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.AddThreshold(tt.threshold)
			require.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}

	err := m.SetThresholds([]model.ResourceThreshold{
		{ResourceType: model.ResourceTypeCPU, Fraction: 0.5, Severity: model.AlertSeverityInfo},
		tests[0].threshold,
	})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.Empty(t, m.Thresholds(), "table unchanged on error")
}

func TestMonitor_ZeroThresholdAlwaysFires(t *testing.T) {
	m := newTestMonitor(t, nil, nil)
	require.NoError(t, m.SetCapacity(model.ResourceTypeCPU, 100))

	var fired int
	_, err := m.AddThreshold(model.ResourceThreshold{
		ResourceType: model.ResourceTypeCPU,
		Severity:     model.AlertSeverityInfo,
		Callback:     func(model.Alert) { fired++ },
	})
	require.NoError(t, err)

	assert.Len(t, m.Sample(context.Background()), 1, "idle resource")
	m.RecordOperation(model.ResourceTypeCPU, 40)
	assert.Len(t, m.Sample(context.Background()), 1)
	assert.Equal(t, 2, fired)
}

func TestMonitor_FailuresAreIsolated(t *testing.T) {
	m := newTestMonitor(t, nil, nil)

	require.NoError(t, m.SetSampler(model.ResourceTypeCPU, SamplerFunc(func(context.Context) (float64, float64, error) {
		return 0, 0, errors.New("sensor offline")
	})))
	require.NoError(t, m.SetSampler(model.ResourceTypeStorage, SamplerFunc(func(context.Context) (float64, float64, error) {
		panic("driver bug")
	})))
	require.NoError(t, m.SetCapacity(model.ResourceTypeMemory, 10))
	require.NoError(t, m.SetCapacity(model.ResourceTypeNetwork, 10))

	_, err := m.AddThreshold(model.ResourceThreshold{
		ResourceType: model.ResourceTypeMemory,
		Fraction:     0.1,
		Severity:     model.AlertSeverityError,
		Callback:     func(model.Alert) { panic("callback bug") },
	})
	require.NoError(t, err)
	var networkAlerts int
	_, err = m.AddThreshold(model.ResourceThreshold{
		ResourceType: model.ResourceTypeNetwork,
		Fraction:     0.1,
		Severity:     model.AlertSeverityError,
		Callback:     func(model.Alert) { networkAlerts++ },
	})
	require.NoError(t, err)

	m.RecordOperation(model.ResourceTypeMemory, 5)
	m.RecordOperation(model.ResourceTypeNetwork, 5)

	alerts := m.Sample(context.Background())
	assert.Len(t, alerts, 2)
	assert.Equal(t, 1, networkAlerts)

	assert.Empty(t, m.History(model.ResourceTypeCPU))
	assert.Empty(t, m.History(model.ResourceTypeStorage))
	assert.Equal(t, []float64{0.5}, m.History(model.ResourceTypeMemory))
}

func TestMonitor_HistoryEvictsOldest(t *testing.T) {
	m := newTestMonitor(t, nil, func(cfg *Config) { cfg.HistorySize = 3 })
	require.NoError(t, m.SetCapacity(model.ResourceTypeCPU, 10))

	for i := 0; i < 5; i++ {
		m.RecordOperation(model.ResourceTypeCPU, 1)
		m.Sample(context.Background())
	}

	assert.Equal(t, []float64{0.3, 0.4, 0.5}, m.History(model.ResourceTypeCPU))
}

func TestMonitor_OpsPerSecond(t *testing.T) {
	m := newTestMonitor(t, nil, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	for _, st := range m.resources {
		st.lastSampleAt = clock
	}
	m.startedAt = clock

	for i := 0; i < 10; i++ {
		m.RecordOperation(model.ResourceTypeNetwork, 0)
	}
	clock = clock.Add(2 * time.Second)
	m.Sample(context.Background())

	snapshot := m.Snapshot()
	assert.Equal(t, 2*time.Second, snapshot.Uptime)
	require.Len(t, snapshot.Performance, len(model.ResourceTypes))
	for _, perf := range snapshot.Performance {
		if perf.Type == model.ResourceTypeNetwork {
			assert.Equal(t, uint64(10), perf.OpsCount)
			assert.InDelta(t, 5.0, perf.OpsPerSecond, 1e-9)
		}
	}
}

func TestMonitor_Suggest(t *testing.T) {
	m := newTestMonitor(t, nil, nil)
	require.NoError(t, m.SetCapacity(model.ResourceTypeCPU, 100))
	require.NoError(t, m.SetCapacity(model.ResourceTypeAllocatable, 10))
	require.NoError(t, m.SetCapacity(model.ResourceTypeMemory, 10))

	_, ok := m.Suggest(model.ResourceTypeCPU)
	require.False(t, ok, "no suggestion before the first sample")

	m.RecordOperation(model.ResourceTypeCPU, 90)
	m.RecordOperation(model.ResourceTypeAllocatable, 1.5)
	m.RecordOperation(model.ResourceTypeMemory, 5)
	m.Sample(context.Background())

	s, ok := m.Suggest(model.ResourceTypeCPU)
	require.True(t, ok)
	assert.Equal(t, model.SuggestionRebalance, s.Kind)
	assert.Equal(t, 0.8, s.Boundary)
	assert.InDelta(t, 0.5, s.EstimatedImprovement, 1e-9)

	s, ok = m.Suggest(model.ResourceTypeAllocatable)
	require.True(t, ok)
	assert.Equal(t, model.SuggestionDecreaseAllocation, s.Kind)
	assert.InDelta(t, 0.5, s.EstimatedImprovement, 1e-9)

	_, ok = m.Suggest(model.ResourceTypeMemory)
	assert.False(t, ok, "inside the band")

	assert.Len(t, m.Suggestions(), 2)
}

func TestMonitor_OnSuggestions(t *testing.T) {
	m := newTestMonitor(t, nil, nil)
	require.NoError(t, m.SetCapacity(model.ResourceTypeCPU, 100))
	require.NoError(t, m.SetCapacity(model.ResourceTypeMemory, 10))

	var got [][]model.OptimizationSuggestion
	m.OnSuggestions(func([]model.OptimizationSuggestion) { panic("handler bug") })
	m.OnSuggestions(func(s []model.OptimizationSuggestion) { got = append(got, s) })
	m.OnSuggestions(nil)

	t.Run("1. Runs after a cycle outside the band", func(t *testing.T) {
		m.RecordOperation(model.ResourceTypeCPU, 90)
		m.RecordOperation(model.ResourceTypeMemory, 5)
		m.Sample(context.Background())

		require.Len(t, got, 1)
		require.Len(t, got[0], 1)
		assert.Equal(t, model.ResourceTypeCPU, got[0][0].ResourceType)
		assert.Equal(t, model.SuggestionRebalance, got[0][0].Kind)
	})

	t.Run("2. Skipped when every type is inside the band", func(t *testing.T) {
		m.ReleaseUsage(model.ResourceTypeCPU, 40)
		m.Sample(context.Background())
		assert.Len(t, got, 1)
	})
}

func TestMonitor_RegistrySampler(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	id, err := reg.Add(model.ResourceTypeAllocatable, 20, 1, 1)
	require.NoError(t, err)
	require.NoError(t, reg.Reserve(id, 15))

	m := newTestMonitor(t, nil, nil)
	require.NoError(t, m.SetSampler(model.ResourceTypeAllocatable, NewRegistrySampler(reg, model.ResourceTypeAllocatable)))

	m.Sample(context.Background())
	usage, ok := m.Usage(model.ResourceTypeAllocatable)
	require.True(t, ok)
	assert.InDelta(t, 0.75, usage, 1e-9)
}

func TestSystemSampler(t *testing.T) {
	_, err := NewSystemSampler(model.ResourceTypeNetwork)
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	s, err := NewSystemSampler(model.ResourceTypeMemory)
	require.NoError(t, err)
	used, capacity, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Greater(t, capacity, 0.0)
	assert.LessOrEqual(t, used, capacity)
}

func TestMonitor_StartStop(t *testing.T) {
	sink := &alertRecorder{}
	m := newTestMonitor(t, sink, nil)
	require.NoError(t, m.SetCapacity(model.ResourceTypeCPU, 1))
	_, err := m.AddThreshold(model.ResourceThreshold{
		ResourceType: model.ResourceTypeCPU,
		Fraction:     0.5,
		Severity:     model.AlertSeverityCritical,
	})
	require.NoError(t, err)
	m.RecordOperation(model.ResourceTypeCPU, 1)

	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestRing(t *testing.T) {
	r := newRing[int](2)
	assert.Empty(t, r.items())
	r.push(1)
	r.push(2)
	r.push(3)
	assert.Equal(t, []int{2, 3}, r.items())

	empty := newRing[int](0)
	empty.push(1)
	assert.Empty(t, empty.items())
}
