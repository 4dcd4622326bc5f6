// Package engine assembles the registry, monitor, controller, scheduler and
// their collaborators from a configuration and runs them as one unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/adjuster"
	"github.com/t77yq/qentl-scheduler/internal/config"
	"github.com/t77yq/qentl-scheduler/internal/device"
	"github.com/t77yq/qentl-scheduler/internal/events"
	"github.com/t77yq/qentl-scheduler/internal/executor"
	"github.com/t77yq/qentl-scheduler/internal/handler"
	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/monitor"
	"github.com/t77yq/qentl-scheduler/internal/registry"
	"github.com/t77yq/qentl-scheduler/internal/scheduler"
	"github.com/t77yq/qentl-scheduler/internal/storage"
)

const operationTimeout = 30 * time.Second

// Option customizes an Engine
type Option func(*options)

type options struct {
	source device.Source
	sinks  []events.Sink
	conn   *nats.Conn
}

// WithSource replaces the configured capability source
func WithSource(source device.Source) Option {
	return func(o *options) { o.source = source }
}

// WithSinks adds event sinks next to the configured ones
func WithSinks(sinks ...events.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithConn uses an existing NATS connection instead of dialing nats.url.
// The engine does not close it.
func WithConn(nc *nats.Conn) Option {
	return func(o *options) { o.conn = nc }
}

// Engine owns every long-running component
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config

	Registry   *registry.Registry
	Monitor    *monitor.Monitor
	Controller *adjuster.Controller
	Binding    *adjuster.RegistryBinding
	Executor   *executor.Executor
	Scheduler  *scheduler.TaskScheduler
	Watcher    *device.Watcher
	Cron       *scheduler.CronScheduler

	history   storage.TaskHistoryStorage
	retention *storage.Retention
	sink      events.Sink
	nc        *nats.Conn
	ownsConn  bool
	intake    *nats.Subscription

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
}

// New builds an engine. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", model.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		logger: logger.Named("engine"),
		cfg:    cfg,
	}

	if err := e.build(ctx, o); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, o options) error {
	logger := e.logger

	e.Registry = registry.New(logger)
	for _, u := range e.cfg.Units {
		if _, err := e.Registry.Add(model.ResourceType(u.Type), u.Capacity, u.Performance, u.Efficiency); err != nil {
			return fmt.Errorf("failed to register %s unit: %w", u.Type, err)
		}
	}

	sinks := o.sinks
	if err := e.connectNATS(ctx, o.conn); err != nil {
		return err
	}
	if e.nc != nil {
		js, err := e.nc.JetStream(nats.MaxWait(e.cfg.NATS.ConnectTimeout))
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		natsSink, err := events.NewNATSSink(ctx, js, events.NATSConfig{
			Stream: e.cfg.NATS.Stream,
			MaxAge: e.cfg.NATS.MaxAge,
		}, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, natsSink)
	}
	e.sink = events.NewMulti(logger, sinks...)

	var err error
	e.Monitor, err = monitor.NewMonitor(e.cfg.Monitor.Monitor(), e.sink, logger)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	if err := e.wireSamplers(); err != nil {
		return err
	}
	if err := e.Monitor.SetThresholds(e.cfg.Monitor.ResourceThresholds()); err != nil {
		return fmt.Errorf("failed to install thresholds: %w", err)
	}

	e.Binding = adjuster.NewRegistryBinding(e.Registry, e.cfg.Adjuster.UnitPerformance, e.cfg.Adjuster.UnitEfficiency, logger)
	e.Controller, err = adjuster.NewController(e.cfg.Adjuster.Adaptive(), logger,
		adjuster.WithApplier(e.Binding),
		adjuster.WithSink(e.sink))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	e.Executor = executor.NewExecutor(logger)
	e.Executor.RegisterHandler(handler.DataProcessingTaskType, handler.NewDataProcessingHandler(logger))
	e.Executor.RegisterHandler(handler.WorkloadTaskType, handler.NewWorkloadHandler(logger))

	schedOpts := []scheduler.Option{
		scheduler.WithRunner(e.Executor),
		scheduler.WithCompletionSink(e.sink),
	}
	if e.cfg.History.Enabled {
		history, err := storage.NewSQLiteTaskHistory(logger, e.cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open task history: %w", err)
		}
		e.history = history
		e.retention, err = storage.NewRetention(history, e.cfg.History.MaxAge, e.cfg.History.RetentionSchedule, logger)
		if err != nil {
			return err
		}
		schedOpts = append(schedOpts, scheduler.WithArchiver(history))
	}

	e.Scheduler, err = scheduler.NewTaskScheduler(e.Registry, e.Monitor, e.Controller,
		e.cfg.Scheduler.Allocation(), logger, schedOpts...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	e.Monitor.OnSuggestions(e.onSuggestions)

	e.Cron = scheduler.NewCronScheduler(e.Scheduler, logger)
	for _, sc := range e.cfg.Schedules {
		if _, err := e.Cron.AddSchedule(sc.Schedule()); err != nil {
			return fmt.Errorf("failed to add schedule %s: %w", sc.Name, err)
		}
	}

	source := o.source
	if source == nil {
		source, err = NewSource(e.cfg.Device, logger)
		if err != nil {
			return err
		}
	}
	e.Watcher, err = device.NewWatcher(source, e.cfg.Device.ProbeInterval, logger)
	if err != nil {
		return err
	}
	e.Watcher.OnChange(e.onCapabilities)

	return nil
}

// NewSource returns the capability source selected by cfg.Source
func NewSource(cfg config.DeviceConfig, logger *zap.Logger) (device.Source, error) {
	switch cfg.Source {
	case "static":
		return device.NewStaticSource(cfg.Capabilities()), nil
	case "host", "":
		return device.NewHostProbe(cfg.Probe(), logger)
	default:
		return nil, fmt.Errorf("%w: device source %q", model.ErrInvalidArgument, cfg.Source)
	}
}

func (e *Engine) connectNATS(ctx context.Context, conn *nats.Conn) error {
	if conn != nil {
		e.nc = conn
		return nil
	}
	if !e.cfg.NATS.Enabled {
		return nil
	}

	nc, err := Connect(ctx, e.cfg.NATS, e.logger)
	if err != nil {
		return err
	}
	e.nc = nc
	e.ownsConn = true
	return nil
}

// Connect dials NATS with the reconnect and logging handlers used by qentld
func Connect(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if err := ctx.Err(); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func (e *Engine) wireSamplers() error {
	for _, resourceType := range model.ResourceTypes {
		var sampler monitor.Sampler = monitor.NewRegistrySampler(e.Registry, resourceType)
		if e.cfg.Monitor.SystemMetrics {
			if system, err := monitor.NewSystemSampler(resourceType); err == nil {
				sampler = system
			}
		}
		if err := e.Monitor.SetSampler(resourceType, sampler); err != nil {
			return fmt.Errorf("failed to set %s sampler: %w", resourceType, err)
		}
	}
	return nil
}

func (e *Engine) onCapabilities(current, previous model.DeviceCapabilities) {
	e.Controller.SetCapabilities(current)

	ctx := e.context()
	adj, err := e.Controller.AdjustNow(ctx)
	if err != nil {
		e.logger.Warn("Adjustment after capability change failed",
			zap.Int("max_allocatable_units", current.MaxAllocatableUnits),
			zap.Error(err))
		return
	}
	e.logger.Info("Allocatable pool resized",
		zap.Int("previous_max_allocatable_units", previous.MaxAllocatableUnits),
		zap.Int("max_allocatable_units", current.MaxAllocatableUnits),
		zap.Int("units", adj.NewUnits),
		zap.String("result", string(adj.Result)))
}

// onSuggestions feeds monitor suggestions back into the controller and the
// scheduler. Allocation suggestions only adjust when the controller would
// choose a different pool size.
func (e *Engine) onSuggestions(suggestions []model.OptimizationSuggestion) {
	var adjust, rebalance bool
	for _, s := range suggestions {
		switch s.Kind {
		case model.SuggestionIncreaseAllocation, model.SuggestionDecreaseAllocation:
			adjust = true
		case model.SuggestionRebalance:
			rebalance = true
		}
	}

	if adjust {
		target, err := e.Controller.Recommend()
		if err == nil && target != e.Controller.CurrentUnits() {
			if _, err := e.Controller.AdjustNow(e.context()); err != nil {
				e.logger.Warn("Suggested adjustment failed", zap.Error(err))
			}
		}
	}
	if rebalance {
		e.Scheduler.ForceRebalance()
	}
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

type startStep struct {
	name  string
	start func(context.Context) error
}

// Start runs every component. The initial device probe sizes the allocatable
// pool before the scheduler accepts work.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine stopped")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	steps := []startStep{
		{"device watcher", e.Watcher.Start},
		{"controller", e.Controller.Start},
		{"monitor", e.Monitor.Start},
		{"scheduler", e.Scheduler.Start},
		{"cron scheduler", e.Cron.Start},
	}
	if e.retention != nil {
		steps = append(steps, startStep{"history retention", e.retention.Start})
	}

	for _, step := range steps {
		if err := step.start(runCtx); err != nil {
			e.Stop()
			return fmt.Errorf("failed to start %s: %w", step.name, err)
		}
	}

	if e.nc != nil {
		if err := e.subscribeIntake(); err != nil {
			e.Stop()
			return err
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	e.mu.Lock()
	e.stop, e.done = stop, done
	e.mu.Unlock()
	go e.drainLoop(runCtx, stop, done)

	e.logger.Info("Engine started",
		zap.Int("units", len(e.Registry.List())),
		zap.Int("allocatable_units", e.Controller.CurrentUnits()))
	return nil
}

// Stop stops every component in reverse order, archives the remaining
// completed tasks and releases external resources. A stopped engine cannot be
// started again.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	if e.intake != nil {
		if err := e.intake.Unsubscribe(); err != nil {
			e.logger.Warn("Failed to unsubscribe intake", zap.Error(err))
		}
		e.intake = nil
	}

	e.Cron.Stop()
	e.Scheduler.Stop()
	e.Monitor.Stop()
	e.Controller.Stop()
	e.Watcher.Stop()
	if e.retention != nil {
		e.retention.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	e.drain(ctx)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.closed = true
	e.mu.Unlock()

	e.close()
	e.logger.Info("Engine stopped")
}

func (e *Engine) close() {
	if e.history != nil {
		if err := e.history.Close(); err != nil {
			e.logger.Warn("Failed to close task history", zap.Error(err))
		}
		e.history = nil
	}
	if e.nc != nil && e.ownsConn {
		e.nc.Close()
	}
	e.nc = nil
}

func (e *Engine) drainLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.Scheduler.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	tasks, err := e.Scheduler.DrainCompleted(ctx)
	if err != nil {
		e.logger.Error("Failed to archive completed tasks",
			zap.Int("count", len(tasks)),
			zap.Error(err))
		return
	}
	if len(tasks) > 0 {
		e.logger.Debug("Drained completed tasks", zap.Int("count", len(tasks)))
	}
}

// History returns the task archive, nil when history is disabled or the
// engine has been stopped.
func (e *Engine) History() storage.TaskHistoryStorage {
	return e.history
}
