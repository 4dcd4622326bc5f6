package model

import "errors"

// Error taxonomy shared by every component. Package-specific errors wrap or
// complement these.
var (
	// ErrInvalidArgument is returned for bad IDs, negative capacities and other
	// malformed input. No state is changed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrQueueFull is returned when admission control rejects a submission
	ErrQueueFull = errors.New("task queue full")

	// ErrResourceNotFound is returned when a resource unit is not found
	ErrResourceNotFound = errors.New("resource unit not found")

	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrInsufficientCapacity is returned when the device or a unit cannot
	// provide the requested capacity
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrInternalAllocation is returned when bookkeeping detects an
	// inconsistency. The operation is aborted with prior state unchanged.
	ErrInternalAllocation = errors.New("internal allocation error")
)
