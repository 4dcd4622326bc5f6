package scheduler

import (
	"time"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// statsTracker accumulates counters under the scheduler lock
type statsTracker struct {
	submitted uint64
	rejected  uint64
	processed uint64
	succeeded uint64
	failed    uint64
	cancelled uint64
	purged    uint64
	waited    uint64
	waitTotal time.Duration
	procTotal time.Duration
}

func (t *statsTracker) observeWaiting(d time.Duration) {
	t.waited++
	t.waitTotal += d
}

func (t *statsTracker) observeFinished(status model.TaskStatus, d time.Duration) {
	t.processed++
	t.procTotal += d
	if status == model.TaskStatusCompleted {
		t.succeeded++
	} else {
		t.failed++
	}
}

// Stats returns balancer statistics including per-type load distribution
func (s *TaskScheduler) Stats() model.TaskBalancerStats {
	s.mu.Lock()
	t := s.stats
	s.mu.Unlock()

	stats := model.TaskBalancerStats{
		TasksSubmitted:   t.submitted,
		TasksRejected:    t.rejected,
		TasksProcessed:   t.processed,
		TasksSucceeded:   t.succeeded,
		TasksFailed:      t.failed,
		TasksCancelled:   t.cancelled,
		LoadDistribution: make(map[model.ResourceType]float64),
		CollectedAt:      s.now(),
	}
	if t.waited > 0 {
		stats.AvgWaitingTime = t.waitTotal / time.Duration(t.waited)
	}
	if t.processed > 0 {
		stats.AvgProcessingTime = t.procTotal / time.Duration(t.processed)
	}

	var total, reserved float64
	for resourceType, totals := range s.registry.TotalsByType() {
		total += totals.Total
		reserved += totals.Reserved()
		if totals.Total > 0 {
			stats.LoadDistribution[resourceType] = totals.Reserved() / totals.Total
		}
	}
	if total > 0 {
		stats.ResourceUtilization = reserved / total
	}

	return stats
}
