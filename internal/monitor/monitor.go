// Package monitor samples resource usage, keeps a bounded history per
// resource type, raises threshold alerts and proposes optimizations.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// ErrThresholdNotFound is returned when removing an unknown threshold
var ErrThresholdNotFound = errors.New("threshold not found")

// AlertSink receives every alert raised by a sampling cycle
type AlertSink interface {
	Alert(alert model.Alert)
}

// Config defines the monitor configuration
type Config struct {
	SamplingInterval time.Duration
	HistorySize      int
	// LowThreshold and HighThreshold bound the usage band outside of which
	// Suggest proposes a change.
	LowThreshold  float64
	HighThreshold float64
	RecentAlerts  int
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		SamplingInterval: time.Second,
		HistorySize:      60,
		LowThreshold:     0.3,
		HighThreshold:    0.8,
		RecentAlerts:     100,
	}
}

func (c Config) validate() error {
	switch {
	case c.SamplingInterval <= 0:
		return fmt.Errorf("%w: sampling interval must be positive", model.ErrInvalidArgument)
	case c.HistorySize <= 0:
		return fmt.Errorf("%w: history size must be positive", model.ErrInvalidArgument)
	case c.LowThreshold < 0 || c.HighThreshold > 1 || c.LowThreshold >= c.HighThreshold:
		return fmt.Errorf("%w: usage band [%v, %v]", model.ErrInvalidArgument, c.LowThreshold, c.HighThreshold)
	case c.RecentAlerts < 0:
		return fmt.Errorf("%w: recent alerts must not be negative", model.ErrInvalidArgument)
	}
	return nil
}

// resourceState is everything tracked for one resource type
type resourceState struct {
	sampler Sampler

	// in-process gauge used when no sampler is set
	used     float64
	capacity float64

	opsCount     uint64
	lastOps      uint64
	lastSampleAt time.Time
	opsPerSecond float64

	history *ring[float64]
	usage   float64
	peak    float64
	sampled bool
}

// Monitor tracks usage of every resource type
type Monitor struct {
	logger    *zap.Logger
	cfg       Config
	sink      AlertSink
	now       func() time.Time
	startedAt time.Time

	mu         sync.Mutex
	resources  map[model.ResourceType]*resourceState
	thresholds []model.ResourceThreshold
	alerts     *ring[model.Alert]
	onSuggest  []SuggestionFunc

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a monitor for all known resource types. sink may be nil.
func NewMonitor(cfg Config, sink AlertSink, logger *zap.Logger) (*Monitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		logger:    logger.Named("monitor"),
		cfg:       cfg,
		sink:      sink,
		now:       time.Now,
		resources: make(map[model.ResourceType]*resourceState, len(model.ResourceTypes)),
		alerts:    newRing[model.Alert](cfg.RecentAlerts),
	}
	m.startedAt = m.now()
	for _, t := range model.ResourceTypes {
		m.resources[t] = &resourceState{
			history:      newRing[float64](cfg.HistorySize),
			lastSampleAt: m.startedAt,
		}
	}
	return m, nil
}

func (m *Monitor) state(resourceType model.ResourceType) (*resourceState, error) {
	st, ok := m.resources[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: resource type %q", model.ErrInvalidArgument, resourceType)
	}
	return st, nil
}

// SetSampler replaces the usage source of a resource type. A nil sampler
// restores the in-process gauge.
func (m *Monitor) SetSampler(resourceType model.ResourceType, sampler Sampler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(resourceType)
	if err != nil {
		return err
	}
	st.sampler = sampler
	return nil
}

// SetCapacity sets the capacity of the in-process gauge
func (m *Monitor) SetCapacity(resourceType model.ResourceType, capacity float64) error {
	if capacity < 0 || math.IsNaN(capacity) {
		return fmt.Errorf("%w: capacity %v", model.ErrInvalidArgument, capacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(resourceType)
	if err != nil {
		return err
	}
	st.capacity = capacity
	return nil
}

// RecordOperation counts one operation and adds amount to the gauge
func (m *Monitor) RecordOperation(resourceType model.ResourceType, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.resources[resourceType]
	if !ok {
		return
	}
	st.opsCount++
	if amount > 0 {
		st.used += amount
	}
}

// ReleaseUsage lowers the gauge by amount
func (m *Monitor) ReleaseUsage(resourceType model.ResourceType, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.resources[resourceType]
	if !ok || amount <= 0 {
		return
	}
	st.used = math.Max(0, st.used-amount)
}

// AddThreshold registers a threshold and returns its ID
func (m *Monitor) AddThreshold(threshold model.ResourceThreshold) (string, error) {
	if err := validateThreshold(threshold); err != nil {
		return "", err
	}
	if threshold.ID == "" {
		threshold.ID = uuid.New().String()
	}
	threshold.CreatedAt = m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = append(m.thresholds, threshold)
	return threshold.ID, nil
}

// RemoveThreshold unregisters a threshold
func (m *Monitor) RemoveThreshold(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, t := range m.thresholds {
		if t.ID == id {
			m.thresholds = append(m.thresholds[:i:i], m.thresholds[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("threshold %s: %w", id, ErrThresholdNotFound)
}

// SetThresholds replaces the whole threshold table
func (m *Monitor) SetThresholds(thresholds []model.ResourceThreshold) error {
	table := make([]model.ResourceThreshold, 0, len(thresholds))
	now := m.now()
	for _, t := range thresholds {
		if err := validateThreshold(t); err != nil {
			return err
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.CreatedAt = now
		table = append(table, t)
	}

	m.mu.Lock()
	m.thresholds = table
	m.mu.Unlock()
	return nil
}

// Thresholds returns the threshold table in registration order
func (m *Monitor) Thresholds() []model.ResourceThreshold {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ResourceThreshold(nil), m.thresholds...)
}

func validateThreshold(t model.ResourceThreshold) error {
	switch {
	case !t.ResourceType.IsValid():
		return fmt.Errorf("%w: resource type %q", model.ErrInvalidArgument, t.ResourceType)
	case t.Fraction < 0 || t.Fraction > 1 || math.IsNaN(t.Fraction):
		return fmt.Errorf("%w: threshold fraction %v", model.ErrInvalidArgument, t.Fraction)
	case !t.Severity.IsValid():
		return fmt.Errorf("%w: severity %q", model.ErrInvalidArgument, t.Severity)
	}
	return nil
}

// SuggestionFunc receives the suggestions produced by a sampling cycle
type SuggestionFunc func(suggestions []model.OptimizationSuggestion)

// OnSuggestions registers fn to run after every sampling cycle that leaves at
// least one resource type outside the usage band.
func (m *Monitor) OnSuggestions(fn SuggestionFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onSuggest = append(m.onSuggest, fn)
	m.mu.Unlock()
}

// Sample runs one sampling cycle over every resource type and returns the
// alerts it raised. Each breached threshold fires once per cycle. A failing
// sampler or a panicking callback affects only its own resource type.
func (m *Monitor) Sample(ctx context.Context) []model.Alert {
	var raised []model.Alert
	for _, resourceType := range model.ResourceTypes {
		alerts, err := m.sampleType(ctx, resourceType)
		if err != nil {
			m.logger.Warn("Sampling failed",
				zap.String("resource_type", string(resourceType)),
				zap.Error(err))
		}
		raised = append(raised, alerts...)
	}
	m.suggest()
	return raised
}

func (m *Monitor) suggest() {
	m.mu.Lock()
	handlers := append([]SuggestionFunc(nil), m.onSuggest...)
	m.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	suggestions := m.Suggestions()
	if len(suggestions) == 0 {
		return
	}
	for _, fn := range handlers {
		var pc panics.Catcher
		pc.Try(func() { fn(suggestions) })
		if r := pc.Recovered(); r != nil {
			m.logger.Error("Suggestion handler panicked", zap.String("panic", r.String()))
		}
	}
}

func (m *Monitor) sampleType(ctx context.Context, resourceType model.ResourceType) ([]model.Alert, error) {
	used, capacity, err := m.read(ctx, resourceType)
	if err != nil {
		return nil, err
	}

	fraction := 0.0
	if capacity > 0 {
		fraction = used / capacity
	}

	now := m.now()
	m.mu.Lock()
	st := m.resources[resourceType]
	st.history.push(fraction)
	st.usage = fraction
	st.sampled = capacity > 0
	if fraction > st.peak {
		st.peak = fraction
	}
	if elapsed := now.Sub(st.lastSampleAt).Seconds(); elapsed > 0 {
		st.opsPerSecond = float64(st.opsCount-st.lastOps) / elapsed
	}
	st.lastOps = st.opsCount
	st.lastSampleAt = now

	var breached []model.ResourceThreshold
	for _, t := range m.thresholds {
		if t.ResourceType == resourceType && fraction >= t.Fraction {
			breached = append(breached, t)
		}
	}
	m.mu.Unlock()

	alerts := make([]model.Alert, 0, len(breached))
	for _, t := range breached {
		alert := model.Alert{
			ID:           uuid.New().String(),
			ThresholdID:  t.ID,
			ResourceType: resourceType,
			Level:        t.Severity,
			Message: fmt.Sprintf("%s usage %.2f reached threshold %.2f",
				resourceType, fraction, t.Fraction),
			Value:     fraction,
			Threshold: t.Fraction,
			CreatedAt: now,
		}
		m.raise(t, alert)
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// read gets (used, capacity) from the sampler or the in-process gauge
func (m *Monitor) read(ctx context.Context, resourceType model.ResourceType) (used, capacity float64, err error) {
	m.mu.Lock()
	st := m.resources[resourceType]
	sampler := st.sampler
	used, capacity = st.used, st.capacity
	m.mu.Unlock()

	if sampler == nil {
		return used, capacity, nil
	}

	var pc panics.Catcher
	pc.Try(func() { used, capacity, err = sampler.Sample(ctx) })
	if r := pc.Recovered(); r != nil {
		return 0, 0, r.AsError()
	}
	if err != nil {
		return 0, 0, err
	}
	if used < 0 || capacity < 0 || math.IsNaN(used) || math.IsNaN(capacity) {
		return 0, 0, fmt.Errorf("sampler returned used=%v capacity=%v", used, capacity)
	}
	return used, capacity, nil
}

func (m *Monitor) raise(t model.ResourceThreshold, alert model.Alert) {
	m.mu.Lock()
	m.alerts.push(alert)
	m.mu.Unlock()

	m.logger.Info("Alert raised",
		zap.String("id", alert.ID),
		zap.String("threshold_id", alert.ThresholdID),
		zap.String("resource_type", string(alert.ResourceType)),
		zap.String("level", string(alert.Level)),
		zap.Float64("value", alert.Value))

	if t.Callback != nil {
		var pc panics.Catcher
		pc.Try(func() { t.Callback(alert) })
		if r := pc.Recovered(); r != nil {
			m.logger.Error("Threshold callback panicked",
				zap.String("threshold_id", t.ID),
				zap.String("panic", r.String()))
		}
	}
	if m.sink != nil {
		m.sink.Alert(alert)
	}
}

// History returns the sampled usage fractions of a type, oldest first
func (m *Monitor) History(resourceType model.ResourceType) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.resources[resourceType]
	if !ok {
		return nil
	}
	return st.history.items()
}

// RecentAlerts returns the most recent alerts, oldest first
func (m *Monitor) RecentAlerts() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.items()
}

// Usage returns the latest sampled usage fraction of a type. Types without
// capacity report false.
func (m *Monitor) Usage(resourceType model.ResourceType) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.resources[resourceType]
	if !ok || !st.sampled {
		return 0, false
	}
	return st.usage, true
}

// Snapshot returns a consistent view of all monitored resources
func (m *Monitor) Snapshot() model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	snapshot := model.Snapshot{
		Timestamp:   now,
		Uptime:      now.Sub(m.startedAt),
		Resources:   make([]model.ResourceUsage, 0, len(model.ResourceTypes)),
		Performance: make([]model.ResourcePerformance, 0, len(model.ResourceTypes)),
	}
	for _, t := range model.ResourceTypes {
		st := m.resources[t]
		snapshot.Resources = append(snapshot.Resources, model.ResourceUsage{
			Type:          t,
			UsageFraction: st.usage,
			PeakFraction:  st.peak,
		})
		snapshot.Performance = append(snapshot.Performance, model.ResourcePerformance{
			Type:         t,
			OpsCount:     st.opsCount,
			OpsPerSecond: st.opsPerSecond,
		})
	}
	return snapshot
}

// Start starts the sampling loop
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.logger.Info("Starting monitor", zap.Duration("interval", m.cfg.SamplingInterval))
	go m.sampleLoop(ctx, stop, done)
	return nil
}

// Stop stops the sampling loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	m.logger.Info("Stopping monitor")
	close(stop)
	<-done
}

func (m *Monitor) sampleLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}
