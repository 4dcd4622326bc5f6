package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/events"
	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/scheduler"
)

// SubmitMessage is the JSON body of a request on events.SubmitSubject
type SubmitMessage struct {
	Type             string             `json:"type"`
	ResourceType     model.ResourceType `json:"resource_type,omitempty"`
	Priority         model.TaskPriority `json:"priority,omitempty"`
	ResourceDemand   float64            `json:"resource_demand"`
	ExpectedDuration string             `json:"expected_duration,omitempty"`
	Payload          json.RawMessage    `json:"payload,omitempty"`
	Preemptible      bool               `json:"preemptible,omitempty"`
}

// SubmitReply answers a SubmitMessage
type SubmitReply struct {
	TaskID model.TaskID `json:"task_id,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Request converts the message. Priority defaults to normal.
func (m SubmitMessage) Request() (scheduler.SubmitRequest, error) {
	req := scheduler.SubmitRequest{
		Type:           m.Type,
		ResourceType:   m.ResourceType,
		Priority:       m.Priority,
		ResourceDemand: m.ResourceDemand,
		Payload:        m.Payload,
		Preemptible:    m.Preemptible,
	}
	if req.Priority == 0 {
		req.Priority = model.TaskPriorityNormal
	}
	if m.ExpectedDuration != "" {
		d, err := time.ParseDuration(m.ExpectedDuration)
		if err != nil {
			return scheduler.SubmitRequest{}, fmt.Errorf("%w: expected duration: %w", model.ErrInvalidArgument, err)
		}
		req.ExpectedDuration = d
	}
	return req, nil
}

func (e *Engine) subscribeIntake() error {
	sub, err := e.nc.Subscribe(events.SubmitSubject, e.handleSubmit)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.SubmitSubject, err)
	}
	e.intake = sub
	e.logger.Info("Accepting submissions", zap.String("subject", events.SubmitSubject))
	return nil
}

func (e *Engine) handleSubmit(msg *nats.Msg) {
	var reply SubmitReply
	id, err := e.submit(msg.Data)
	if err != nil {
		reply.Error = err.Error()
		e.logger.Warn("Rejected submission", zap.Error(err))
	} else {
		reply.TaskID = id
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		e.logger.Error("Failed to marshal submit reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		e.logger.Error("Failed to respond to submission", zap.Error(err))
	}
}

func (e *Engine) submit(data []byte) (model.TaskID, error) {
	var m SubmitMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, fmt.Errorf("%w: failed to unmarshal submission: %w", model.ErrInvalidArgument, err)
	}
	req, err := m.Request()
	if err != nil {
		return 0, err
	}
	return e.Scheduler.Submit(e.context(), req)
}
