// Package events fans scheduler, controller and monitor notifications out to
// external consumers.
package events

import (
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// Sink receives every externally visible event of the engine. Implementations
// must not block for long; they are called from engine goroutines.
type Sink interface {
	Alert(alert model.Alert)
	Adjustment(adj model.Adjustment)
	TaskCompleted(result model.TaskResult)
}

// Kind identifies the payload carried by an Event
type Kind string

const (
	KindAlert      Kind = "alert"
	KindAdjustment Kind = "adjustment"
	KindTaskResult Kind = "task_result"
)

// Event is the envelope delivered by ChannelSink
type Event struct {
	Kind       Kind              `json:"kind"`
	Alert      *model.Alert      `json:"alert,omitempty"`
	Adjustment *model.Adjustment `json:"adjustment,omitempty"`
	TaskResult *model.TaskResult `json:"task_result,omitempty"`
}

// ChannelSink delivers events on a buffered channel and drops them when the
// buffer is full.
type ChannelSink struct {
	ch chan Event

	mu      sync.Mutex
	dropped uint64
}

// NewChannelSink creates a sink with the given buffer size
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

// Events returns the receive side of the sink
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded
func (s *ChannelSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *ChannelSink) Alert(alert model.Alert) {
	s.send(Event{Kind: KindAlert, Alert: &alert})
}

func (s *ChannelSink) Adjustment(adj model.Adjustment) {
	s.send(Event{Kind: KindAdjustment, Adjustment: &adj})
}

func (s *ChannelSink) TaskCompleted(result model.TaskResult) {
	s.send(Event{Kind: KindTaskResult, TaskResult: &result})
}

func (s *ChannelSink) send(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Multi forwards every event to each sink in order. A panicking sink does not
// prevent delivery to the others.
type Multi struct {
	logger *zap.Logger
	sinks  []Sink
}

// NewMulti combines sinks, skipping nil entries
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	m := &Multi{logger: logger.Named("events")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Alert(alert model.Alert) {
	m.each(string(KindAlert), func(s Sink) { s.Alert(alert) })
}

func (m *Multi) Adjustment(adj model.Adjustment) {
	m.each(string(KindAdjustment), func(s Sink) { s.Adjustment(adj) })
}

func (m *Multi) TaskCompleted(result model.TaskResult) {
	m.each(string(KindTaskResult), func(s Sink) { s.TaskCompleted(result) })
}

func (m *Multi) each(kind string, fn func(Sink)) {
	for _, s := range m.sinks {
		var pc panics.Catcher
		pc.Try(func() { fn(s) })
		if r := pc.Recovered(); r != nil {
			m.logger.Error("Event sink panicked",
				zap.String("kind", kind),
				zap.String("panic", r.String()))
		}
	}
}
