package model

import (
	"encoding/json"
	"time"
)

// CronSchedule submits a task every time its cron expression fires
type CronSchedule struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Expression string `json:"expression"`

	TaskType         string          `json:"task_type"`
	ResourceType     ResourceType    `json:"resource_type,omitempty"`
	Priority         TaskPriority    `json:"priority"`
	ResourceDemand   float64         `json:"resource_demand"`
	ExpectedDuration time.Duration   `json:"expected_duration"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Preemptible      bool            `json:"preemptible"`

	Runs        uint64     `json:"runs"`
	Failures    uint64     `json:"failures"`
	LastTaskID  TaskID     `json:"last_task_id,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
