package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qentl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  strategy: performance
  workers: 8
  rebalance_interval: 250ms
adjuster:
  strategy: aggressive
  mode: periodic
  min_units: 2
  max_units: 32
monitor:
  thresholds:
    - resource_type: memory
      fraction: 0.75
      severity: error
device:
  source: static
  static:
    cpu_cores: 4
    total_ram_mib: 2048
    max_allocatable_units: 20
    error_rate: 0.02
units:
  - type: cpu
    capacity: 4
    performance: 0.9
    efficiency: 0.5
schedules:
  - name: rollup
    expression: "@every 30s"
    type: data_processing
    priority: 3
    resource_demand: 2
    expected_duration: 5s
    payload: '{"operation":"aggregate","input_data":[1]}'
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	alloc := cfg.Scheduler.Allocation()
	assert.Equal(t, model.AllocationPerformance, alloc.Strategy)
	assert.Equal(t, 8, alloc.WorkerCount)
	assert.Equal(t, 250*time.Millisecond, alloc.RebalanceInterval)
	assert.Equal(t, 1024, alloc.MaxQueueSize, "defaults fill missing keys")

	adaptive := cfg.Adjuster.Adaptive()
	assert.Equal(t, model.AdjustAggressive, adaptive.Strategy)
	assert.Equal(t, model.AdjustModePeriodic, adaptive.Mode)
	assert.Equal(t, 2, adaptive.MinUnits)
	assert.Equal(t, 32, adaptive.MaxUnits)
	assert.Equal(t, model.DefaultAdjustPolicy(), adaptive.Policy)

	thresholds := cfg.Monitor.ResourceThresholds()
	require.Len(t, thresholds, 1)
	assert.Equal(t, model.ResourceTypeMemory, thresholds[0].ResourceType)
	assert.Equal(t, model.AlertSeverityError, thresholds[0].Severity)

	caps := cfg.Device.Capabilities()
	assert.Equal(t, 4, caps.CPUCores)
	assert.Equal(t, uint64(2048)<<20, caps.TotalRAM)
	assert.Equal(t, 20, caps.MaxAllocatableUnits)

	require.Len(t, cfg.Units, 1)
	assert.Equal(t, "cpu", cfg.Units[0].Type)

	require.Len(t, cfg.Schedules, 1)
	schedule := cfg.Schedules[0].Schedule()
	assert.Equal(t, "rollup", schedule.Name)
	assert.Equal(t, "@every 30s", schedule.Expression)
	assert.Equal(t, model.TaskPriorityHigh, schedule.Priority)
	assert.Equal(t, 5*time.Second, schedule.ExpectedDuration)
	assert.JSONEq(t, `{"operation":"aggregate","input_data":[1]}`, string(schedule.Payload))
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  workers: 2\n")
	t.Setenv("QENTL_SCHEDULER_WORKERS", "6")
	t.Setenv("QENTL_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Scheduler.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"unknown allocation strategy", func(c *Config) { c.Scheduler.Strategy = "random" }},
		{"unknown adjust mode", func(c *Config) { c.Adjuster.Mode = "sometimes" }},
		{"weight out of range", func(c *Config) { c.Scheduler.PriorityWeight = 1.5 }},
		{"no workers", func(c *Config) { c.Scheduler.Workers = 0 }},
		{"max below min", func(c *Config) { c.Adjuster.MinUnits = 8; c.Adjuster.MaxUnits = 4 }},
		{"inverted usage band", func(c *Config) { c.Monitor.LowThreshold = 0.9 }},
		{"bad threshold type", func(c *Config) {
			c.Monitor.Thresholds = []ThresholdConfig{{ResourceType: "gpu", Fraction: 0.5, Severity: "info"}}
		}},
		{"empty unit", func(c *Config) { c.Units = []UnitConfig{{Type: "cpu"}} }},
		{"history without path", func(c *Config) { c.History.Path = "" }},
		{"schedule without type", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Expression: "@hourly"}}
		}},
		{"schedule payload not json", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Expression: "@hourly", Type: "workload", Payload: "{"}}
		}},
		{"negative schedule demand", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Expression: "@hourly", Type: "workload", ResourceDemand: -1}}
		}},
		{"nats without stream", func(c *Config) { c.NATS.Enabled = true; c.NATS.Stream = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidate_ZeroThresholdFraction(t *testing.T) {
	cfg := Default()
	cfg.Monitor.Thresholds = []ThresholdConfig{{ResourceType: "cpu", Fraction: 0, Severity: "info"}}
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Monitor.ResourceThresholds()[0].Fraction)
}
