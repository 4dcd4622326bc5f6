package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

const (
	StreamName        = "QENTL"
	AlertSubject      = "qentl.alert"
	AdjustmentSubject = "qentl.adjust"
	TaskResultSubject = "qentl.task.result"
	// SubmitSubject carries task submissions as core NATS requests. It is
	// outside the stream.
	SubmitSubject = "qentl.task.submit"

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1
)

// NATSConfig holds the stream settings of a NATSSink
type NATSConfig struct {
	Stream string
	MaxAge time.Duration
}

// NATSSink publishes events as JSON into a JetStream stream
type NATSSink struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	cfg    NATSConfig
}

// NewNATSSink creates the sink and makes sure its stream exists
func NewNATSSink(ctx context.Context, js nats.JetStreamContext, cfg NATSConfig, logger *zap.Logger) (*NATSSink, error) {
	if cfg.Stream == "" {
		cfg.Stream = StreamName
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = streamMaxAge
	}

	s := &NATSSink{
		js:     js,
		logger: logger.Named("nats-sink"),
		cfg:    cfg,
	}
	if err := s.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return s, nil
}

func (s *NATSSink) setupStream(ctx context.Context) error {
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{AlertSubject + ".>", AdjustmentSubject, TaskResultSubject + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
		MaxAge:    s.cfg.MaxAge,
		MaxMsgs:   streamMaxMsgs,
		Replicas:  1,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			s.logger.Info("Stream already exists", zap.String("stream", s.cfg.Stream))
			return nil
		}
		return err
	}

	s.logger.Info("Stream created successfully", zap.String("stream", s.cfg.Stream))
	return nil
}

// AlertSubjectFor returns the subject alerts for resourceType are published on
func AlertSubjectFor(resourceType model.ResourceType) string {
	return fmt.Sprintf("%s.%s", AlertSubject, resourceType)
}

// TaskResultSubjectFor returns the subject the result of id is published on
func TaskResultSubjectFor(id model.TaskID) string {
	return fmt.Sprintf("%s.%d", TaskResultSubject, id)
}

func (s *NATSSink) Alert(alert model.Alert) {
	s.publish(AlertSubjectFor(alert.ResourceType), alert)
}

func (s *NATSSink) Adjustment(adj model.Adjustment) {
	s.publish(AdjustmentSubject, adj)
}

func (s *NATSSink) TaskCompleted(result model.TaskResult) {
	s.publish(TaskResultSubjectFor(result.TaskID), result)
}

func (s *NATSSink) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	if _, err := s.js.Publish(subject, data); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	s.logger.Debug("Event published", zap.String("subject", subject))
}
