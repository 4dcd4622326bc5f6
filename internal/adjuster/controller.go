// Package adjuster sizes the scarce allocatable resource pool.
package adjuster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	goerrors "github.com/TudorHulban/go-errors"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// errorRateDecay weights the previous average in the error rate EMA.
const errorRateDecay = 0.7

var (
	// ErrNoCapabilities is returned when adjusting before any device snapshot is known
	ErrNoCapabilities = errors.New("device capabilities unknown")

	// ErrNoCustomStrategy is returned when the custom strategy is selected without a function
	ErrNoCustomStrategy = errors.New("custom strategy not set")
)

// Applier pushes a new pool size into the rest of the system
type Applier interface {
	Apply(ctx context.Context, units int) error
}

// AdjustmentSink receives every adjustment outcome
type AdjustmentSink interface {
	Adjustment(adj model.Adjustment)
}

// AdjustmentFunc is notified of every adjustment outcome
type AdjustmentFunc func(adj model.Adjustment)

// Option configures a Controller
type Option func(*Controller)

// WithApplier applies accepted sizes before they are committed.
func WithApplier(applier Applier) Option {
	return func(c *Controller) { c.applier = applier }
}

// WithSink forwards adjustments to an event sink.
func WithSink(sink AdjustmentSink) Option {
	return func(c *Controller) { c.sink = sink }
}

// Controller decides how many allocatable units the runtime is granted.
// CurrentUnits is only ever changed by AdjustNow.
type Controller struct {
	logger  *zap.Logger
	applier Applier
	sink    AdjustmentSink
	now     func() time.Time

	mu         sync.Mutex
	cfg        model.AdaptiveConfig
	caps       *model.DeviceCapabilities
	stats      model.UsageStats
	custom     StrategyFunc
	callbacks  []AdjustmentFunc
	lastAdjust time.Time
	// evaluatedReports is stats.Reports at the last adjustment that
	// evaluated usage.
	evaluatedReports uint64

	stop chan struct{}
	done chan struct{}
}

// NewController creates a controller starting at cfg.CurrentUnits
func NewController(cfg model.AdaptiveConfig, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	c := &Controller{
		logger: logger.Named("adjuster"),
		cfg:    cfg,
		now:    time.Now,
	}
	c.stats.AllocatedUnits = cfg.CurrentUnits
	c.stats.PeakUnits = cfg.CurrentUnits
	c.lastAdjust = c.now()

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func validateConfig(cfg model.AdaptiveConfig) error {
	invalid := func(name string, value interface{}, issue string) error {
		return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrInvalidInput{
			Caller:     "NewController",
			InputName:  name,
			InputValue: value,
			Issue:      errors.New(issue),
		})
	}

	switch {
	case cfg.MinUnits < 0:
		return invalid("MinUnits", cfg.MinUnits, "must not be negative")
	case cfg.MaxUnits < 0:
		return invalid("MaxUnits", cfg.MaxUnits, "must not be negative")
	case cfg.MaxUnits > 0 && cfg.MaxUnits < cfg.MinUnits:
		return invalid("MaxUnits", cfg.MaxUnits, "below MinUnits")
	case cfg.OptimalUnits < 0:
		return invalid("OptimalUnits", cfg.OptimalUnits, "must not be negative")
	case cfg.CurrentUnits < 0:
		return invalid("CurrentUnits", cfg.CurrentUnits, "must not be negative")
	case cfg.ErrorTolerance < 0 || cfg.ErrorTolerance > 1 || math.IsNaN(cfg.ErrorTolerance):
		return invalid("ErrorTolerance", cfg.ErrorTolerance, "must be within [0, 1]")
	case cfg.AdjustInterval <= 0:
		return invalid("AdjustInterval", cfg.AdjustInterval, "must be positive")
	}

	switch cfg.Strategy {
	case model.AdjustConservative, model.AdjustBalanced, model.AdjustAggressive, model.AdjustAdaptive, model.AdjustCustom:
	default:
		return invalid("Strategy", cfg.Strategy, "unknown strategy")
	}
	switch cfg.Mode {
	case model.AdjustModeOnDemand, model.AdjustModePeriodic, model.AdjustModeContinuous, model.AdjustModeManual:
	default:
		return invalid("Mode", cfg.Mode, "unknown mode")
	}
	return nil
}

// Config returns the configuration with the live CurrentUnits
func (c *Controller) Config() model.AdaptiveConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig replaces the configuration wholesale. CurrentUnits in cfg is
// ignored because only AdjustNow moves the pool size.
func (c *Controller) SetConfig(cfg model.AdaptiveConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	c.mu.Lock()
	cfg.CurrentUnits = c.cfg.CurrentUnits
	c.cfg = cfg
	c.mu.Unlock()

	c.logger.Info("Adaptive config replaced",
		zap.String("strategy", string(cfg.Strategy)),
		zap.String("mode", string(cfg.Mode)))
	return nil
}

// SetCapabilities records the latest device snapshot
func (c *Controller) SetCapabilities(caps model.DeviceCapabilities) {
	c.mu.Lock()
	c.caps = &caps
	c.mu.Unlock()

	c.logger.Debug("Device capabilities updated",
		zap.Int("max_allocatable_units", caps.MaxAllocatableUnits),
		zap.Int("cpu_cores", caps.CPUCores))
}

// Capabilities returns the latest device snapshot, false when none is known
func (c *Controller) Capabilities() (model.DeviceCapabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caps == nil {
		return model.DeviceCapabilities{}, false
	}
	return *c.caps, true
}

// SetCustomStrategy installs the function used by the custom strategy
func (c *Controller) SetCustomStrategy(fn StrategyFunc) {
	c.mu.Lock()
	c.custom = fn
	c.mu.Unlock()
}

// OnAdjustment registers a callback for every adjustment outcome
func (c *Controller) OnAdjustment(fn AdjustmentFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// Stats returns the usage statistics
func (c *Controller) Stats() model.UsageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// CurrentUnits returns the granted pool size
func (c *Controller) CurrentUnits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.CurrentUnits
}

// Recommend returns what the configured strategy would choose right now
// without changing any state.
func (c *Controller) Recommend() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recommendLocked()
}

func (c *Controller) recommendLocked() (int, error) {
	if c.caps == nil {
		return 0, ErrNoCapabilities
	}

	in := Inputs{
		MaxSupported:   c.caps.MaxAllocatableUnits,
		MinRequired:    c.cfg.MinUnits,
		Optimal:        c.cfg.OptimalUnits,
		Current:        c.cfg.CurrentUnits,
		Stats:          c.stats,
		ErrorTolerance: c.cfg.ErrorTolerance,
		Policy:         c.cfg.Policy,
		FreshUsage:     c.stats.Reports > c.evaluatedReports,
	}
	if in.MaxSupported < in.MinRequired {
		return 0, fmt.Errorf("device supports %d units, %d required: %w",
			in.MaxSupported, in.MinRequired, model.ErrInsufficientCapacity)
	}

	strategy, ok := builtin(c.cfg.Strategy)
	if !ok {
		if c.custom == nil {
			return 0, ErrNoCustomStrategy
		}
		strategy = c.custom
	}

	target := strategy(in)
	if target < c.cfg.MinUnits {
		target = c.cfg.MinUnits
	}
	if c.cfg.MaxUnits > 0 && target > c.cfg.MaxUnits {
		target = c.cfg.MaxUnits
	}
	return target, nil
}

// AdjustNow computes a recommendation and, when it differs from the current
// size, applies and commits it. Every outcome is reported to callbacks and
// the sink.
func (c *Controller) AdjustNow(ctx context.Context) (model.Adjustment, error) {
	adj, err := c.adjust(ctx)
	c.publish(adj)
	return adj, err
}

func (c *Controller) adjust(ctx context.Context) (model.Adjustment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastAdjust = c.now()
	adj := model.Adjustment{
		OldUnits: c.cfg.CurrentUnits,
		NewUnits: c.cfg.CurrentUnits,
		At:       c.lastAdjust,
	}

	target, err := c.recommendLocked()
	if err != nil {
		c.stats.FailedAdjustments++
		adj.Result = model.AdjustError
		if errors.Is(err, model.ErrInsufficientCapacity) {
			adj.Result = model.AdjustInsufficientCapacity
		}
		adj.Error = err.Error()
		return adj, err
	}

	if target == c.cfg.CurrentUnits {
		c.evaluatedReports = c.stats.Reports
		adj.Result = model.AdjustNoChangeNeeded
		return adj, nil
	}

	if c.applier != nil {
		if err := c.applier.Apply(ctx, target); err != nil {
			c.stats.FailedAdjustments++
			adj.Result = model.AdjustError
			adj.Error = err.Error()
			return adj, fmt.Errorf("failed to apply %d units: %w", target, err)
		}
	}

	c.cfg.CurrentUnits = target
	c.evaluatedReports = c.stats.Reports
	c.stats.AllocatedUnits = target
	if target > c.stats.PeakUnits {
		c.stats.PeakUnits = target
	}
	c.stats.TotalAdjustments++

	adj.NewUnits = target
	adj.Result = model.AdjustSuccess
	return adj, nil
}

func (c *Controller) publish(adj model.Adjustment) {
	c.mu.Lock()
	callbacks := append([]AdjustmentFunc(nil), c.callbacks...)
	c.mu.Unlock()

	fields := []zap.Field{
		zap.Int("old_units", adj.OldUnits),
		zap.Int("new_units", adj.NewUnits),
		zap.String("result", string(adj.Result)),
	}
	switch adj.Result {
	case model.AdjustSuccess:
		c.logger.Info("Allocatable pool adjusted", fields...)
	case model.AdjustNoChangeNeeded:
		c.logger.Debug("Allocatable pool unchanged", fields...)
	default:
		c.logger.Warn("Allocatable pool adjustment failed", append(fields, zap.String("error", adj.Error))...)
	}

	if c.sink != nil {
		c.sink.Adjustment(adj)
	}
	for _, cb := range callbacks {
		var pc panics.Catcher
		pc.Try(func() { cb(adj) })
		if r := pc.Recovered(); r != nil {
			c.logger.Error("Adjustment callback panicked", zap.String("panic", r.String()))
		}
	}
}

// ReportUsage records the number of busy units and the latest error rate.
// With AutoAdjust it may trigger an adjustment according to the mode.
// Adjustment failures are counted and published, not returned.
func (c *Controller) ReportUsage(ctx context.Context, activeUnits int, errorRate float64) error {
	if activeUnits < 0 {
		return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrValidation{
			Caller: "ReportUsage",
			Issue:  goerrors.ErrNegativeInput{InputName: "activeUnits"},
		})
	}
	if errorRate < 0 || errorRate > 1 || math.IsNaN(errorRate) {
		return fmt.Errorf("%w: %w", model.ErrInvalidArgument, goerrors.ErrInvalidInput{
			Caller:     "ReportUsage",
			InputName:  "errorRate",
			InputValue: errorRate,
			Issue:      errors.New("must be within [0, 1]"),
		})
	}

	c.mu.Lock()
	c.stats.ActiveUnits = activeUnits
	c.stats.AvgErrorRate = errorRateDecay*c.stats.AvgErrorRate + (1-errorRateDecay)*errorRate
	c.stats.Reports++
	trigger := c.cfg.AutoAdjust && c.shouldTriggerLocked()
	c.mu.Unlock()

	if trigger {
		if _, err := c.AdjustNow(ctx); err != nil {
			c.logger.Debug("Usage triggered adjustment failed", zap.Error(err))
		}
	}
	return nil
}

// shouldTriggerLocked evaluates the trigger policy for the current mode.
func (c *Controller) shouldTriggerLocked() bool {
	switch c.cfg.Mode {
	case model.AdjustModeContinuous:
		return true
	case model.AdjustModePeriodic:
		return c.now().Sub(c.lastAdjust) >= c.cfg.AdjustInterval
	case model.AdjustModeOnDemand:
		return c.underPressureLocked()
	default:
		return false
	}
}

// underPressureLocked reports whether usage or errors are outside the band
// the adaptive policy tolerates.
func (c *Controller) underPressureLocked() bool {
	current := c.cfg.CurrentUnits
	if current <= 0 {
		return c.stats.ActiveUnits > 0
	}
	policy := c.cfg.Policy
	usageRatio := float64(c.stats.ActiveUnits) / float64(current)
	return usageRatio > policy.GrowUsageRatio ||
		usageRatio < policy.ShrinkUsageRatio ||
		errorRatio(c.stats.AvgErrorRate, c.cfg.ErrorTolerance) > policy.ErrorShrinkRatio
}

// Start runs the periodic trigger loop. It does nothing when AutoAdjust is
// off or the mode is manual.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return errors.New("adjuster already started")
	}
	cfg := c.cfg
	if !cfg.AutoAdjust || cfg.Mode == model.AdjustModeManual {
		c.mu.Unlock()
		c.logger.Info("Automatic adjustment disabled", zap.String("mode", string(cfg.Mode)))
		return nil
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	c.logger.Info("Starting adjuster",
		zap.String("mode", string(cfg.Mode)),
		zap.Duration("interval", cfg.AdjustInterval))

	go c.adjustLoop(ctx, stop, done, cfg.AdjustInterval)
	return nil
}

// Stop stops the trigger loop
func (c *Controller) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	c.logger.Info("Stopping adjuster")
	close(stop)
	<-done
}

func (c *Controller) adjustLoop(ctx context.Context, stop, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			trigger := c.cfg.AutoAdjust && c.cfg.Mode != model.AdjustModeManual &&
				(c.cfg.Mode != model.AdjustModeOnDemand || c.underPressureLocked())
			c.mu.Unlock()

			if trigger {
				if _, err := c.AdjustNow(ctx); err != nil {
					c.logger.Debug("Periodic adjustment failed", zap.Error(err))
				}
			}
		}
	}
}
