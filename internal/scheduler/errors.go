package scheduler

import "errors"

var (
	// ErrInvalidTransition is returned when a task state change is not allowed
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrNotCancellable is returned when cancelling a task that is no longer pending
	ErrNotCancellable = errors.New("task is not cancellable")

	// ErrTaskTimeout is returned when a task runs past its deadline
	ErrTaskTimeout = errors.New("task execution timed out")

	// ErrTaskFinished is returned when attaching a callback to a finished task
	ErrTaskFinished = errors.New("task already finished")

	// ErrSchedulerStopped is returned when the scheduler is shutting down
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrScheduleNotFound is returned for unknown recurring schedule IDs
	ErrScheduleNotFound = errors.New("schedule not found")
)
