// Package config loads the qentld configuration from YAML and environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/TudorHulban/go-errors"
	"github.com/asaskevich/govalidator"
	"github.com/spf13/viper"

	"github.com/t77yq/qentl-scheduler/internal/device"
	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/monitor"
)

// ErrInvalidConfig is returned when the loaded configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	// EnvPrefix prefixes every environment override, e.g. QENTL_SCHEDULER_WORKERS
	EnvPrefix = "QENTL"

	defaultConfigName = "qentl"
	defaultConfigDir  = "./config"
)

// Config is the root of the qentld configuration
type Config struct {
	Log       LogConfig        `mapstructure:"log"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Adjuster  AdjusterConfig   `mapstructure:"adjuster"`
	Monitor   MonitorConfig    `mapstructure:"monitor"`
	Device    DeviceConfig     `mapstructure:"device"`
	Units     []UnitConfig     `mapstructure:"units"`
	NATS      NATSConfig       `mapstructure:"nats"`
	History   HistoryConfig    `mapstructure:"history"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level" valid:"in(debug|info|warn|error),required"`
	Development bool   `mapstructure:"development"`
}

// SchedulerConfig configures the task scheduler
type SchedulerConfig struct {
	Strategy          string        `mapstructure:"strategy" valid:"in(performance|efficiency|balanced|energy_saving),required"`
	MaxQueueSize      int           `mapstructure:"max_queue_size"`
	Workers           int           `mapstructure:"workers"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
	Preemption        bool          `mapstructure:"preemption"`
	PriorityWeight    float64       `mapstructure:"priority_weight" valid:"range(0|1)"`
	PerformanceWeight float64       `mapstructure:"performance_weight" valid:"range(0|1)"`
	EfficiencyWeight  float64       `mapstructure:"efficiency_weight" valid:"range(0|1)"`
	TimeoutFactor     float64       `mapstructure:"timeout_factor"`
	// DrainInterval controls how often completed tasks are purged to the
	// history archive.
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// AdjusterConfig configures the adaptive resource controller
type AdjusterConfig struct {
	MinUnits       int           `mapstructure:"min_units"`
	MaxUnits       int           `mapstructure:"max_units"`
	OptimalUnits   int           `mapstructure:"optimal_units"`
	ErrorTolerance float64       `mapstructure:"error_tolerance" valid:"range(0|1)"`
	Strategy       string        `mapstructure:"strategy" valid:"in(conservative|balanced|aggressive|adaptive),required"`
	Mode           string        `mapstructure:"mode" valid:"in(on_demand|periodic|continuous|manual),required"`
	Interval       time.Duration `mapstructure:"interval"`
	AutoAdjust     bool          `mapstructure:"auto_adjust"`
	// UnitPerformance and UnitEfficiency rate the allocatable unit the
	// controller maintains in the registry.
	UnitPerformance float64 `mapstructure:"unit_performance" valid:"range(0|1)"`
	UnitEfficiency  float64 `mapstructure:"unit_efficiency" valid:"range(0|1)"`
}

// ThresholdConfig declares an alert threshold
type ThresholdConfig struct {
	ResourceType string  `mapstructure:"resource_type" valid:"in(cpu|memory|allocatable|storage|network),required"`
	Fraction     float64 `mapstructure:"fraction" valid:"range(0|1)"`
	Severity     string  `mapstructure:"severity" valid:"in(info|warning|error|critical),required"`
}

// MonitorConfig configures the resource monitor
type MonitorConfig struct {
	SamplingInterval time.Duration `mapstructure:"sampling_interval"`
	HistorySize      int           `mapstructure:"history_size"`
	LowThreshold     float64       `mapstructure:"low_threshold" valid:"range(0|1)"`
	HighThreshold    float64       `mapstructure:"high_threshold" valid:"range(0|1)"`
	RecentAlerts     int           `mapstructure:"recent_alerts"`
	// SystemMetrics samples host CPU and memory instead of registry totals
	SystemMetrics bool              `mapstructure:"system_metrics"`
	Thresholds    []ThresholdConfig `mapstructure:"thresholds"`
}

// DeviceConfig configures capability discovery
type DeviceConfig struct {
	Source             string        `mapstructure:"source" valid:"in(host|static),required"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	UnitsPerCore       int           `mapstructure:"units_per_core"`
	MiBPerUnit         int           `mapstructure:"mib_per_unit"`
	BaseErrorRate      float64       `mapstructure:"base_error_rate" valid:"range(0|1)"`
	DedicatedAllocator bool          `mapstructure:"dedicated_allocator"`
	// Static is reported verbatim when Source is "static"
	Static StaticDeviceConfig `mapstructure:"static"`
}

// StaticDeviceConfig describes a fixed device
type StaticDeviceConfig struct {
	CPUCores            int     `mapstructure:"cpu_cores"`
	TotalRAMMiB         int     `mapstructure:"total_ram_mib"`
	MaxAllocatableUnits int     `mapstructure:"max_allocatable_units"`
	ErrorRate           float64 `mapstructure:"error_rate" valid:"range(0|1)"`
}

// UnitConfig registers a resource unit at startup
type UnitConfig struct {
	Type        string  `mapstructure:"type" valid:"in(cpu|memory|allocatable|storage|network),required"`
	Capacity    float64 `mapstructure:"capacity"`
	Performance float64 `mapstructure:"performance" valid:"range(0|1)"`
	Efficiency  float64 `mapstructure:"efficiency" valid:"range(0|1)"`
}

// NATSConfig configures the JetStream event sink
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	Stream         string        `mapstructure:"stream"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

// HistoryConfig configures the SQLite task archive
type HistoryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
}

// ScheduleConfig declares a recurring task submission. Expression accepts an
// optional seconds field and descriptors such as "@every 30s".
type ScheduleConfig struct {
	Name             string        `mapstructure:"name" valid:"required"`
	Expression       string        `mapstructure:"expression" valid:"required"`
	Type             string        `mapstructure:"type" valid:"required"`
	ResourceType     string        `mapstructure:"resource_type" valid:"in(cpu|memory|allocatable|storage|network)"`
	Priority         int           `mapstructure:"priority" valid:"range(0|4)"`
	ResourceDemand   float64       `mapstructure:"resource_demand"`
	ExpectedDuration time.Duration `mapstructure:"expected_duration"`
	Payload          string        `mapstructure:"payload" valid:"json"`
	Preemptible      bool          `mapstructure:"preemptible"`
}

// Default returns the built-in configuration
func Default() *Config {
	alloc := model.DefaultAllocationConfig()
	adaptive := model.DefaultAdaptiveConfig()
	mon := monitor.DefaultConfig()
	probe := device.DefaultProbeConfig()

	return &Config{
		Log: LogConfig{Level: "info"},
		Scheduler: SchedulerConfig{
			Strategy:          string(alloc.Strategy),
			MaxQueueSize:      alloc.MaxQueueSize,
			Workers:           alloc.WorkerCount,
			RebalanceInterval: alloc.RebalanceInterval,
			Preemption:        alloc.PreemptionEnabled,
			PriorityWeight:    alloc.PriorityWeight,
			PerformanceWeight: alloc.PerformanceWeight,
			EfficiencyWeight:  alloc.EfficiencyWeight,
			TimeoutFactor:     alloc.TimeoutFactor,
			DrainInterval:     time.Minute,
		},
		Adjuster: AdjusterConfig{
			MinUnits:        adaptive.MinUnits,
			MaxUnits:        adaptive.MaxUnits,
			OptimalUnits:    adaptive.OptimalUnits,
			ErrorTolerance:  adaptive.ErrorTolerance,
			Strategy:        string(adaptive.Strategy),
			Mode:            string(adaptive.Mode),
			Interval:        adaptive.AdjustInterval,
			AutoAdjust:      true,
			UnitPerformance: 0.8,
			UnitEfficiency:  0.8,
		},
		Monitor: MonitorConfig{
			SamplingInterval: mon.SamplingInterval,
			HistorySize:      mon.HistorySize,
			LowThreshold:     mon.LowThreshold,
			HighThreshold:    mon.HighThreshold,
			RecentAlerts:     mon.RecentAlerts,
		},
		Device: DeviceConfig{
			Source:        "host",
			ProbeInterval: time.Minute,
			UnitsPerCore:  probe.UnitsPerCore,
			MiBPerUnit:    int(probe.BytesPerUnit >> 20),
			BaseErrorRate: probe.BaseErrorRate,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Name:           "qentld",
			Stream:         "QENTL",
			MaxAge:         24 * time.Hour,
			ConnectTimeout: 5 * time.Second,
			MaxReconnects:  10,
			ReconnectWait:  2 * time.Second,
		},
		History: HistoryConfig{
			Enabled:           true,
			Path:              "qentl_history.db",
			MaxAge:            7 * 24 * time.Hour,
			RetentionSchedule: "@hourly",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("scheduler.strategy", d.Scheduler.Strategy)
	v.SetDefault("scheduler.max_queue_size", d.Scheduler.MaxQueueSize)
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("scheduler.rebalance_interval", d.Scheduler.RebalanceInterval)
	v.SetDefault("scheduler.preemption", d.Scheduler.Preemption)
	v.SetDefault("scheduler.priority_weight", d.Scheduler.PriorityWeight)
	v.SetDefault("scheduler.performance_weight", d.Scheduler.PerformanceWeight)
	v.SetDefault("scheduler.efficiency_weight", d.Scheduler.EfficiencyWeight)
	v.SetDefault("scheduler.timeout_factor", d.Scheduler.TimeoutFactor)
	v.SetDefault("scheduler.drain_interval", d.Scheduler.DrainInterval)

	v.SetDefault("adjuster.min_units", d.Adjuster.MinUnits)
	v.SetDefault("adjuster.max_units", d.Adjuster.MaxUnits)
	v.SetDefault("adjuster.optimal_units", d.Adjuster.OptimalUnits)
	v.SetDefault("adjuster.error_tolerance", d.Adjuster.ErrorTolerance)
	v.SetDefault("adjuster.strategy", d.Adjuster.Strategy)
	v.SetDefault("adjuster.mode", d.Adjuster.Mode)
	v.SetDefault("adjuster.interval", d.Adjuster.Interval)
	v.SetDefault("adjuster.auto_adjust", d.Adjuster.AutoAdjust)
	v.SetDefault("adjuster.unit_performance", d.Adjuster.UnitPerformance)
	v.SetDefault("adjuster.unit_efficiency", d.Adjuster.UnitEfficiency)

	v.SetDefault("monitor.sampling_interval", d.Monitor.SamplingInterval)
	v.SetDefault("monitor.history_size", d.Monitor.HistorySize)
	v.SetDefault("monitor.low_threshold", d.Monitor.LowThreshold)
	v.SetDefault("monitor.high_threshold", d.Monitor.HighThreshold)
	v.SetDefault("monitor.recent_alerts", d.Monitor.RecentAlerts)
	v.SetDefault("monitor.system_metrics", d.Monitor.SystemMetrics)

	v.SetDefault("device.source", d.Device.Source)
	v.SetDefault("device.probe_interval", d.Device.ProbeInterval)
	v.SetDefault("device.units_per_core", d.Device.UnitsPerCore)
	v.SetDefault("device.mib_per_unit", d.Device.MiBPerUnit)
	v.SetDefault("device.base_error_rate", d.Device.BaseErrorRate)
	v.SetDefault("device.dedicated_allocator", d.Device.DedicatedAllocator)
	v.SetDefault("device.static.cpu_cores", d.Device.Static.CPUCores)
	v.SetDefault("device.static.total_ram_mib", d.Device.Static.TotalRAMMiB)
	v.SetDefault("device.static.max_allocatable_units", d.Device.Static.MaxAllocatableUnits)
	v.SetDefault("device.static.error_rate", d.Device.Static.ErrorRate)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.name", d.NATS.Name)
	v.SetDefault("nats.stream", d.NATS.Stream)
	v.SetDefault("nats.max_age", d.NATS.MaxAge)
	v.SetDefault("nats.connect_timeout", d.NATS.ConnectTimeout)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("history.max_age", d.History.MaxAge)
	v.SetDefault("history.retention_schedule", d.History.RetentionSchedule)
}

// Load reads the configuration file at path, or config/qentl.yaml when path
// is empty, applies QENTL_ environment overrides and validates the result.
// A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enums and ranges
func (c *Config) Validate() error {
	if _, err := govalidator.ValidateStruct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, goerrors.ErrServiceValidation{
			ServiceName: "qentld",
			Caller:      "Config.Validate",
			Issue:       err,
		})
	}

	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Scheduler.MaxQueueSize > 0, "scheduler.max_queue_size must be positive")
	check(c.Scheduler.Workers > 0, "scheduler.workers must be positive")
	check(c.Scheduler.RebalanceInterval > 0, "scheduler.rebalance_interval must be positive")
	check(c.Scheduler.TimeoutFactor >= 0, "scheduler.timeout_factor must not be negative")
	check(c.Scheduler.DrainInterval > 0, "scheduler.drain_interval must be positive")

	check(c.Adjuster.MinUnits >= 0, "adjuster.min_units must not be negative")
	check(c.Adjuster.MaxUnits == 0 || c.Adjuster.MaxUnits >= c.Adjuster.MinUnits,
		"adjuster.max_units %d below min_units %d", c.Adjuster.MaxUnits, c.Adjuster.MinUnits)
	check(c.Adjuster.OptimalUnits >= 0, "adjuster.optimal_units must not be negative")
	check(c.Adjuster.Interval > 0, "adjuster.interval must be positive")

	check(c.Monitor.SamplingInterval > 0, "monitor.sampling_interval must be positive")
	check(c.Monitor.HistorySize > 0, "monitor.history_size must be positive")
	check(c.Monitor.LowThreshold < c.Monitor.HighThreshold, "monitor.low_threshold must be below high_threshold")

	check(c.Device.ProbeInterval > 0, "device.probe_interval must be positive")
	if c.Device.Source == "host" {
		check(c.Device.UnitsPerCore > 0, "device.units_per_core must be positive")
		check(c.Device.MiBPerUnit > 0, "device.mib_per_unit must be positive")
	}

	for i, u := range c.Units {
		check(u.Capacity > 0, "units[%d].capacity must be positive", i)
	}

	for i, sc := range c.Schedules {
		check(sc.ResourceDemand >= 0, "schedules[%d].resource_demand must not be negative", i)
		check(sc.ExpectedDuration >= 0, "schedules[%d].expected_duration must not be negative", i)
	}

	if c.NATS.Enabled {
		check(govalidator.IsURL(c.NATS.URL) || strings.HasPrefix(c.NATS.URL, "nats://"), "nats.url %q is not a URL", c.NATS.URL)
		check(c.NATS.Stream != "", "nats.stream is required")
	}

	if c.History.Enabled {
		check(c.History.Path != "", "history.path is required")
		check(c.History.MaxAge > 0, "history.max_age must be positive")
		check(c.History.RetentionSchedule != "", "history.retention_schedule is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Allocation converts the scheduler section
func (c SchedulerConfig) Allocation() model.AllocationConfig {
	return model.AllocationConfig{
		Strategy:          model.AllocationStrategy(c.Strategy),
		MaxQueueSize:      c.MaxQueueSize,
		WorkerCount:       c.Workers,
		RebalanceInterval: c.RebalanceInterval,
		PreemptionEnabled: c.Preemption,
		PriorityWeight:    c.PriorityWeight,
		PerformanceWeight: c.PerformanceWeight,
		EfficiencyWeight:  c.EfficiencyWeight,
		TimeoutFactor:     c.TimeoutFactor,
	}
}

// Adaptive converts the adjuster section
func (c AdjusterConfig) Adaptive() model.AdaptiveConfig {
	cfg := model.DefaultAdaptiveConfig()
	cfg.MinUnits = c.MinUnits
	cfg.MaxUnits = c.MaxUnits
	cfg.OptimalUnits = c.OptimalUnits
	cfg.ErrorTolerance = c.ErrorTolerance
	cfg.Strategy = model.AdjustStrategy(c.Strategy)
	cfg.Mode = model.AdjustMode(c.Mode)
	cfg.AdjustInterval = c.Interval
	cfg.AutoAdjust = c.AutoAdjust
	return cfg
}

// Monitor converts the monitor section
func (c MonitorConfig) Monitor() monitor.Config {
	return monitor.Config{
		SamplingInterval: c.SamplingInterval,
		HistorySize:      c.HistorySize,
		LowThreshold:     c.LowThreshold,
		HighThreshold:    c.HighThreshold,
		RecentAlerts:     c.RecentAlerts,
	}
}

// ResourceThresholds converts the threshold table
func (c MonitorConfig) ResourceThresholds() []model.ResourceThreshold {
	out := make([]model.ResourceThreshold, 0, len(c.Thresholds))
	for _, t := range c.Thresholds {
		out = append(out, model.ResourceThreshold{
			ResourceType: model.ResourceType(t.ResourceType),
			Fraction:     t.Fraction,
			Severity:     model.AlertSeverity(t.Severity),
		})
	}
	return out
}

// Probe converts the host probe settings
func (c DeviceConfig) Probe() device.ProbeConfig {
	return device.ProbeConfig{
		UnitsPerCore:       c.UnitsPerCore,
		BytesPerUnit:       uint64(c.MiBPerUnit) << 20,
		BaseErrorRate:      c.BaseErrorRate,
		DedicatedAllocator: c.DedicatedAllocator,
	}
}

// Capabilities returns the fixed snapshot used by the static source
func (c DeviceConfig) Capabilities() model.DeviceCapabilities {
	ram := uint64(c.Static.TotalRAMMiB) << 20
	return model.DeviceCapabilities{
		CPUCores:              c.Static.CPUCores,
		TotalRAM:              ram,
		AvailableRAM:          ram,
		MaxAllocatableUnits:   c.Static.MaxAllocatableUnits,
		AllocatableErrorRate:  c.Static.ErrorRate,
		HasDedicatedAllocator: c.DedicatedAllocator,
	}
}

// Schedule converts a schedule entry
func (c ScheduleConfig) Schedule() model.CronSchedule {
	schedule := model.CronSchedule{
		Name:             c.Name,
		Expression:       c.Expression,
		TaskType:         c.Type,
		ResourceType:     model.ResourceType(c.ResourceType),
		Priority:         model.TaskPriority(c.Priority),
		ResourceDemand:   c.ResourceDemand,
		ExpectedDuration: c.ExpectedDuration,
		Preemptible:      c.Preemptible,
	}
	if c.Payload != "" {
		schedule.Payload = []byte(c.Payload)
	}
	return schedule
}
