package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/cronlog"
	"github.com/t77yq/qentl-scheduler/internal/model"
)

// ChangeFunc is notified when capabilities change materially
type ChangeFunc func(current, previous model.DeviceCapabilities)

// Watcher re-probes a Source on a cron schedule and notifies subscribers of
// material changes.
type Watcher struct {
	logger   *zap.Logger
	source   Source
	interval time.Duration

	mu          sync.Mutex
	cron        *cron.Cron
	current     *model.DeviceCapabilities
	notified    *model.DeviceCapabilities
	subscribers []ChangeFunc
}

// NewWatcher creates a watcher probing every interval. Intervals below one
// second are rounded up by the cron runner.
func NewWatcher(source Source, interval time.Duration, logger *zap.Logger) (*Watcher, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: source is required", model.ErrInvalidArgument)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: probe interval must be positive", model.ErrInvalidArgument)
	}
	return &Watcher{
		logger:   logger.Named("device-watcher"),
		source:   source,
		interval: interval,
	}, nil
}

// OnChange registers a subscriber. The first successful probe is always
// reported, with a zero previous snapshot. Later changes are measured against
// the last reported snapshot, so slow drift is reported once it accumulates.
func (w *Watcher) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.subscribers = append(w.subscribers, fn)
	w.mu.Unlock()
}

// Current returns the last probed snapshot
func (w *Watcher) Current() (model.DeviceCapabilities, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return model.DeviceCapabilities{}, false
	}
	return *w.current, true
}

// Probe queries the source now and notifies subscribers on material change
func (w *Watcher) Probe(ctx context.Context) (model.DeviceCapabilities, error) {
	caps, err := w.source.Probe(ctx)
	if err != nil {
		return model.DeviceCapabilities{}, fmt.Errorf("failed to probe device: %w", err)
	}

	w.mu.Lock()
	var previous model.DeviceCapabilities
	first := w.notified == nil
	if !first {
		previous = *w.notified
	}
	w.current = &caps
	changed := first || caps.ChangedMaterially(previous)
	if changed {
		w.notified = &caps
	}
	subscribers := append([]ChangeFunc(nil), w.subscribers...)
	w.mu.Unlock()

	if !changed {
		return caps, nil
	}

	w.logger.Info("Device capabilities changed",
		zap.Int("cpu_cores", caps.CPUCores),
		zap.Uint64("available_ram", caps.AvailableRAM),
		zap.Int("max_allocatable_units", caps.MaxAllocatableUnits),
		zap.Int("previous_max_allocatable_units", previous.MaxAllocatableUnits))

	for _, fn := range subscribers {
		var pc panics.Catcher
		pc.Try(func() { fn(caps, previous) })
		if r := pc.Recovered(); r != nil {
			w.logger.Error("Capability subscriber panicked", zap.String("panic", r.String()))
		}
	}
	return caps, nil
}

// Start probes once and then schedules periodic probes
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cron != nil {
		w.mu.Unlock()
		return errors.New("device watcher already started")
	}
	w.mu.Unlock()

	if _, err := w.Probe(ctx); err != nil {
		return err
	}

	c := cron.New(cronlog.Options(w.logger)...)
	if _, err := c.AddFunc("@every "+w.interval.String(), func() {
		if _, err := w.Probe(ctx); err != nil {
			w.logger.Warn("Periodic device probe failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule device probe: %w", err)
	}

	w.mu.Lock()
	w.cron = c
	w.mu.Unlock()

	c.Start()
	w.logger.Info("Device watcher started", zap.Duration("interval", w.interval))
	return nil
}

// Stop stops periodic probing and waits for a running probe to finish
func (w *Watcher) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	w.logger.Info("Device watcher stopped")
}
