package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// dispatch is what a worker needs to run a claimed task outside the lock
type dispatch struct {
	task     model.Task
	unitType model.ResourceType
	// recorded is set once the task's usage reached the monitor
	recorded bool
}

type runOutcome struct {
	result *model.TaskResult
	err    error
}

// worker executes assigned tasks in submission order
func (s *TaskScheduler) worker(ctx context.Context, workerID int) {
	logger := s.logger.With(zap.Int("worker", workerID))
	logger.Debug("Worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("Worker stopped")
			return
		}
		d, ok := s.claimNext()
		if !ok {
			select {
			case <-ctx.Done():
				logger.Debug("Worker stopped")
				return
			case <-s.wake:
			}
			continue
		}

		s.execute(ctx, logger, d)
	}
}

// claimNext moves the oldest assigned task to running
func (s *TaskScheduler) claimNext() (dispatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.running.first(func(e *taskEntry) bool {
		return e.task.Status == model.TaskStatusAssigned
	})
	if entry == nil {
		return dispatch{}, false
	}

	now := s.now()
	entry.task.Status = model.TaskStatusRunning
	entry.task.StartedAt = &now
	s.stats.observeWaiting(now.Sub(entry.task.CreatedAt))

	// more work may be waiting for another worker
	if s.running.first(func(e *taskEntry) bool { return e.task.Status == model.TaskStatusAssigned }) != nil {
		s.signal()
	}

	unitType := entry.task.ResourceType
	if unit, ok := s.registry.Find(entry.reservedOn); ok {
		unitType = unit.Type
	}
	return dispatch{task: entry.task, unitType: unitType}, true
}

// execute runs a task through the runner and always finalizes it, releasing
// its reservation even when the runner panics or times out.
func (s *TaskScheduler) execute(ctx context.Context, logger *zap.Logger, d dispatch) {
	task := d.task
	status := model.TaskStatusFailed
	var (
		result []byte
		runErr = model.ErrInternalAllocation
	)
	defer func() {
		s.finish(ctx, d, status, result, runErr)
	}()

	if s.usage != nil {
		s.usage.RecordOperation(d.unitType, task.ResourceDemand)
		d.recorded = true
	}

	logger.Debug("Executing task",
		zap.Uint64("task_id", uint64(task.ID)),
		zap.String("type", task.Type),
		zap.Uint64("unit_id", uint64(task.AssignedUnitID)))

	runCtx, cancel := s.taskContext(ctx, task)
	defer cancel()

	out := s.run(runCtx, task)
	switch {
	case out.err == nil:
		status = model.TaskStatusCompleted
		runErr = nil
		if out.result != nil {
			result = out.result.Result
		}
	case errors.Is(out.err, context.DeadlineExceeded):
		runErr = fmt.Errorf("task %d exceeded %s: %w", task.ID, s.timeoutFor(task), ErrTaskTimeout)
	case errors.Is(out.err, context.Canceled) && ctx.Err() != nil:
		runErr = fmt.Errorf("task %d: %w", task.ID, ErrSchedulerStopped)
	default:
		runErr = out.err
	}
}

// run invokes the runner in its own goroutine so that a deadline is enforced
// even when the runner ignores its context.
func (s *TaskScheduler) run(ctx context.Context, task model.Task) runOutcome {
	if s.runner == nil {
		return runOutcome{err: fmt.Errorf("no runner configured for task type %q", task.Type)}
	}

	done := make(chan runOutcome, 1)
	go func() {
		var (
			pc  panics.Catcher
			out runOutcome
		)
		pc.Try(func() { out.result, out.err = s.runner.Run(ctx, task) })
		if r := pc.Recovered(); r != nil {
			out = runOutcome{err: r.AsError()}
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		return runOutcome{err: ctx.Err()}
	}
}

func (s *TaskScheduler) timeoutFor(task model.Task) time.Duration {
	s.mu.Lock()
	factor := s.cfg.TimeoutFactor
	s.mu.Unlock()

	if factor <= 0 || task.ExpectedDuration <= 0 {
		return 0
	}
	return time.Duration(float64(task.ExpectedDuration) * factor)
}

func (s *TaskScheduler) taskContext(ctx context.Context, task model.Task) (context.Context, context.CancelFunc) {
	if timeout := s.timeoutFor(task); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// failAssigned fails every task still waiting for a worker without running
// it. It is called once the workers have exited.
func (s *TaskScheduler) failAssigned(ctx context.Context) int {
	var failed int
	for {
		d, ok := s.claimNext()
		if !ok {
			return failed
		}
		s.finish(ctx, d, model.TaskStatusFailed, nil, fmt.Errorf("task %d: %w", d.task.ID, ErrSchedulerStopped))
		failed++
	}
}

// finish moves a running task to the completed queue, releases its
// reservation and notifies observers.
func (s *TaskScheduler) finish(ctx context.Context, d dispatch, status model.TaskStatus, result []byte, runErr error) {
	task, callbacks, err := s.complete(d.task.ID, status, result, runErr)
	if err != nil {
		s.logger.Error("Failed to finalize task",
			zap.Uint64("task_id", uint64(d.task.ID)),
			zap.Error(err))
		return
	}

	if s.usage != nil && d.recorded {
		s.usage.ReleaseUsage(d.unitType, task.ResourceDemand)
	}
	if s.reporter != nil && d.unitType == model.ResourceTypeAllocatable {
		s.reportAllocatable(ctx, task)
	}

	if status == model.TaskStatusCompleted {
		s.logger.Info("Task completed",
			zap.Uint64("task_id", uint64(task.ID)),
			zap.Duration("duration", task.ActualDuration))
	} else {
		s.logger.Warn("Task failed",
			zap.Uint64("task_id", uint64(task.ID)),
			zap.String("error", task.Error))
	}

	s.notify(task, callbacks)
}

func (s *TaskScheduler) complete(id model.TaskID, status model.TaskStatus, result []byte, runErr error) (model.Task, []CompletionFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return model.Task{}, nil, fmt.Errorf("task %d: %w", id, model.ErrTaskNotFound)
	}
	if !entry.task.Status.CanTransitionTo(status) {
		return model.Task{}, nil, fmt.Errorf("task %d %s -> %s: %w", id, entry.task.Status, status, ErrInvalidTransition)
	}
	defer s.releaseLocked(entry)

	now := s.now()
	entry.task.Status = status
	entry.task.CompletedAt = &now
	if entry.task.StartedAt != nil {
		entry.task.ActualDuration = now.Sub(*entry.task.StartedAt)
	}
	entry.task.Result = result
	if runErr != nil {
		entry.task.Error = runErr.Error()
	}

	if !s.running.remove(entry) {
		s.logger.Error("Running queue out of sync",
			zap.Uint64("task_id", uint64(id)),
			zap.Error(model.ErrInternalAllocation))
	}
	s.completed.add(entry)
	s.stats.observeFinished(status, entry.task.ActualDuration)

	callbacks := entry.callbacks
	entry.callbacks = nil
	return entry.task, callbacks, nil
}

// reportAllocatable forwards the reserved allocatable units and the task
// outcome to the adaptive controller.
func (s *TaskScheduler) reportAllocatable(ctx context.Context, task model.Task) {
	totals := s.registry.TotalsByType()[model.ResourceTypeAllocatable]
	errorRate := 0.0
	if task.Status == model.TaskStatusFailed {
		errorRate = 1.0
	}

	if err := s.reporter.ReportUsage(context.WithoutCancel(ctx), int(math.Round(totals.Reserved())), errorRate); err != nil {
		s.logger.Warn("Failed to report allocatable usage", zap.Error(err))
	}
}

// rebalanceLoop runs Rebalance on the configured interval. The interval is
// re-read every iteration so SetConfig takes effect without a restart.
func (s *TaskScheduler) rebalanceLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		interval := s.cfg.RebalanceInterval
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Rebalance()
		}
	}
}
