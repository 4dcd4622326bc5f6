package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// WorkloadTaskType is the task type served by WorkloadHandler
const WorkloadTaskType = "workload"

// WorkloadPayload describes a synthetic unit of work
type WorkloadPayload struct {
	// Duration overrides the task's expected duration when set.
	Duration string `json:"duration,omitempty"`
	Fail     bool   `json:"fail,omitempty"`
}

// WorkloadHandler holds a resource reservation for a fixed duration. It is
// used for load tests and the demo command.
type WorkloadHandler struct {
	logger *zap.Logger
}

// NewWorkloadHandler creates a new workload handler
func NewWorkloadHandler(logger *zap.Logger) *WorkloadHandler {
	return &WorkloadHandler{logger: logger.Named("workload")}
}

// Execute waits for the workload duration or until ctx is done
func (h *WorkloadHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload WorkloadPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	duration := task.ExpectedDuration
	if payload.Duration != "" {
		d, err := time.ParseDuration(payload.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid workload duration: %w", err)
		}
		duration = d
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if payload.Fail {
		return nil, fmt.Errorf("workload %d failed on request", task.ID)
	}

	h.logger.Debug("Workload finished",
		zap.Uint64("task_id", uint64(task.ID)),
		zap.Duration("duration", duration))

	result, err := json.Marshal(map[string]interface{}{
		"task_id":  task.ID,
		"duration": duration.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      result,
		CompletedAt: time.Now(),
	}, nil
}
