package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// ErrNoHandler is returned when no handler is registered for a task type
var ErrNoHandler = errors.New("no handler registered for task type")

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context, task *model.Task) (*model.TaskResult, error)

// Execute calls f
func (f HandlerFunc) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	return f(ctx, task)
}

// Stats is a snapshot of executor counters
type Stats struct {
	Running   int                      `json:"running"`
	Executed  uint64                   `json:"executed"`
	Failed    uint64                   `json:"failed"`
	ByType    map[string]uint64        `json:"by_type"`
	TotalTime map[string]time.Duration `json:"total_time"`
}

// Executor dispatches task payloads to the handler registered for their type
type Executor struct {
	logger       *zap.Logger
	mu           sync.RWMutex
	handlers     map[string]TaskHandler
	runningTasks sync.Map

	statsMu   sync.Mutex
	executed  uint64
	failed    uint64
	byType    map[string]uint64
	totalTime map[string]time.Duration
}

// NewExecutor creates a new executor
func NewExecutor(logger *zap.Logger) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		handlers:  make(map[string]TaskHandler),
		byType:    make(map[string]uint64),
		totalTime: make(map[string]time.Duration),
	}
}

// RegisterHandler registers a task handler
func (e *Executor) RegisterHandler(taskType string, handler TaskHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = handler
	e.logger.Debug("Handler registered", zap.String("task_type", taskType))
}

// HandlerTypes returns the registered task types in sorted order
func (e *Executor) HandlerTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run executes a task. A handler result carrying a failed status is
// returned as an error so the scheduler records the task as failed.
func (e *Executor) Run(ctx context.Context, task model.Task) (*model.TaskResult, error) {
	e.mu.RLock()
	handler, ok := e.handlers[task.Type]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, task.Type)
	}

	e.runningTasks.Store(task.ID, task)
	defer e.runningTasks.Delete(task.ID)

	startTime := time.Now()
	result, err := handler.Execute(ctx, &task)
	duration := time.Since(startTime)

	if err == nil && result != nil && result.Status == model.TaskStatusFailed {
		err = errors.New(result.Error)
	}
	e.record(task.Type, duration, err)

	if err != nil {
		e.logger.Debug("Handler failed",
			zap.Uint64("task_id", uint64(task.ID)),
			zap.String("task_type", task.Type),
			zap.Error(err))
		return nil, err
	}

	if result == nil {
		result = &model.TaskResult{}
	}
	result.TaskID = task.ID
	result.Type = task.Type
	result.Status = model.TaskStatusCompleted
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	return result, nil
}

func (e *Executor) record(taskType string, duration time.Duration, err error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.executed++
	if err != nil {
		e.failed++
	}
	e.byType[taskType]++
	e.totalTime[taskType] += duration
}

// RunningTasks returns the tasks currently inside a handler
func (e *Executor) RunningTasks() []model.Task {
	var tasks []model.Task
	e.runningTasks.Range(func(key, value interface{}) bool {
		if task, ok := value.(model.Task); ok {
			tasks = append(tasks, task)
		}
		return true
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetStats returns current executor statistics
func (e *Executor) GetStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	stats := Stats{
		Running:   len(e.RunningTasks()),
		Executed:  e.executed,
		Failed:    e.failed,
		ByType:    make(map[string]uint64, len(e.byType)),
		TotalTime: make(map[string]time.Duration, len(e.totalTime)),
	}
	for k, v := range e.byType {
		stats.ByType[k] = v
	}
	for k, v := range e.totalTime {
		stats.TotalTime[k] = v
	}
	return stats
}
