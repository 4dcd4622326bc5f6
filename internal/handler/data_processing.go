package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// DataProcessingTaskType is the task type served by DataProcessingHandler
const DataProcessingTaskType = "data_processing"

// DataProcessingPayload represents the payload for data processing tasks
type DataProcessingPayload struct {
	InputData  []float64        `json:"input_data"`
	Operation  string           `json:"operation"`
	Parameters ProcessingParams `json:"parameters"`
}

// ProcessingParams holds the operation parameters. Unused fields are ignored.
type ProcessingParams struct {
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Scale    float64  `json:"scale,omitempty"`
	Offset   float64  `json:"offset,omitempty"`
	Function string   `json:"function,omitempty"`
}

// DataProcessingHandler handles data processing tasks
type DataProcessingHandler struct {
	logger     *zap.Logger
	processors map[string]DataProcessor
}

// DataProcessor defines the interface for data processing operations
type DataProcessor interface {
	Process(ctx context.Context, data []float64, params ProcessingParams) (interface{}, error)
}

// NewDataProcessingHandler creates a new data processing handler
func NewDataProcessingHandler(logger *zap.Logger) *DataProcessingHandler {
	h := &DataProcessingHandler{
		logger:     logger.Named("data-processing"),
		processors: make(map[string]DataProcessor),
	}

	h.RegisterProcessor("filter", &FilterProcessor{})
	h.RegisterProcessor("transform", &TransformProcessor{})
	h.RegisterProcessor("aggregate", &AggregateProcessor{})

	return h
}

// RegisterProcessor registers a new data processor
func (h *DataProcessingHandler) RegisterProcessor(operation string, processor DataProcessor) {
	h.processors[operation] = processor
}

// Execute performs the data processing task
func (h *DataProcessingHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload DataProcessingPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	processor, ok := h.processors[payload.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %s", payload.Operation)
	}

	h.logger.Debug("Processing data",
		zap.Uint64("task_id", uint64(task.ID)),
		zap.String("operation", payload.Operation),
		zap.Int("points", len(payload.InputData)))

	result, err := processor.Process(ctx, payload.InputData, payload.Parameters)
	if err != nil {
		return &model.TaskResult{
			TaskID:      task.ID,
			Status:      model.TaskStatusFailed,
			Error:       err.Error(),
			CompletedAt: time.Now(),
		}, nil
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      resultBytes,
		CompletedAt: time.Now(),
	}, nil
}

// FilterProcessor keeps values inside [min, max]
type FilterProcessor struct{}

func (p *FilterProcessor) Process(ctx context.Context, data []float64, params ProcessingParams) (interface{}, error) {
	out := make([]float64, 0, len(data))
	for _, v := range data {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if params.Min != nil && v < *params.Min {
			continue
		}
		if params.Max != nil && v > *params.Max {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// TransformProcessor applies v*scale + offset. A zero scale means 1.
type TransformProcessor struct{}

func (p *TransformProcessor) Process(ctx context.Context, data []float64, params ProcessingParams) (interface{}, error) {
	scale := params.Scale
	if scale == 0 {
		scale = 1
	}
	out := make([]float64, len(data))
	for i, v := range data {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = v*scale + params.Offset
	}
	return out, nil
}

// AggregateProcessor reduces the input with sum, avg, min, max or median
type AggregateProcessor struct{}

func (p *AggregateProcessor) Process(_ context.Context, data []float64, params ProcessingParams) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("aggregate over empty input")
	}

	switch params.Function {
	case "sum", "":
		sum := 0.0
		for _, v := range data {
			sum += v
		}
		return sum, nil
	case "avg":
		sum := 0.0
		for _, v := range data {
			sum += v
		}
		return sum / float64(len(data)), nil
	case "min":
		m := math.Inf(1)
		for _, v := range data {
			m = math.Min(m, v)
		}
		return m, nil
	case "max":
		m := math.Inf(-1)
		for _, v := range data {
			m = math.Max(m, v)
		}
		return m, nil
	case "median":
		sorted := append([]float64(nil), data...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2, nil
		}
		return sorted[mid], nil
	default:
		return nil, fmt.Errorf("unknown aggregate function: %s", params.Function)
	}
}
