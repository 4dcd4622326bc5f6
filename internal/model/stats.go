package model

import "time"

// TaskBalancerStats represents scheduler performance statistics
type TaskBalancerStats struct {
	TasksSubmitted      uint64                   `json:"tasks_submitted"`
	TasksRejected       uint64                   `json:"tasks_rejected"`
	TasksProcessed      uint64                   `json:"tasks_processed"`
	TasksSucceeded      uint64                   `json:"tasks_succeeded"`
	TasksFailed         uint64                   `json:"tasks_failed"`
	TasksCancelled      uint64                   `json:"tasks_cancelled"`
	AvgWaitingTime      time.Duration            `json:"avg_waiting_time"`
	AvgProcessingTime   time.Duration            `json:"avg_processing_time"`
	ResourceUtilization float64                  `json:"resource_utilization"`
	LoadDistribution    map[ResourceType]float64 `json:"load_distribution"`
	CollectedAt         time.Time                `json:"collected_at"`
}

// QueueCounts reports how many tasks each queue holds.
type QueueCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
}

// Total returns the number of tasks held across all queues.
func (c QueueCounts) Total() int {
	return c.Pending + c.Running + c.Completed
}
