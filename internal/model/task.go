package model

import (
	"time"
)

// TaskID identifies a task. IDs are assigned monotonically by the scheduler.
type TaskID uint64

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned: {TaskStatusRunning},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed},
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a valid transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskPriority represents the priority level of a task
type TaskPriority int

const (
	TaskPriorityLow      TaskPriority = 1
	TaskPriorityNormal   TaskPriority = 2
	TaskPriorityHigh     TaskPriority = 3
	TaskPriorityCritical TaskPriority = 4
)

// MaxTaskPriority is the highest valid priority, used to normalize scores.
const MaxTaskPriority = TaskPriorityCritical

// IsValid reports whether p is one of the defined priority levels.
func (p TaskPriority) IsValid() bool {
	return p >= TaskPriorityLow && p <= TaskPriorityCritical
}

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityLow:
		return "low"
	case TaskPriorityNormal:
		return "normal"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Task represents a unit of work to be executed on a resource unit
type Task struct {
	ID           TaskID       `json:"id"`
	Type         string       `json:"type"`
	ResourceType ResourceType `json:"resource_type,omitempty"`
	Priority     TaskPriority `json:"priority"`
	Status       TaskStatus   `json:"status"`
	Preemptible  bool         `json:"preemptible"`

	ResourceDemand   float64       `json:"resource_demand"`
	ExpectedDuration time.Duration `json:"expected_duration"`
	ActualDuration   time.Duration `json:"actual_duration"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Execution details
	AssignedUnitID UnitID `json:"assigned_unit_id,omitempty"`
	Payload        []byte `json:"payload,omitempty"`
	Result         []byte `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WaitingTime returns how long the task waited before it started running.
func (t *Task) WaitingTime() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return t.StartedAt.Sub(t.CreatedAt)
}

// TaskResult represents the result of a task execution
type TaskResult struct {
	TaskID      TaskID     `json:"task_id"`
	Type        string     `json:"type"`
	Status      TaskStatus `json:"status"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}
