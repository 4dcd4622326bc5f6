package scheduler

import (
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

const scoreEpsilon = 1e-9

// RebalanceReport summarizes a rebalance pass
type RebalanceReport struct {
	Assigned     int
	Preempted    int
	StillPending int
}

// Rebalance assigns pending tasks in priority order and, when preemption is
// enabled, moves preemptible assigned tasks to strictly better units.
func (s *TaskScheduler) Rebalance() RebalanceReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report RebalanceReport
	for _, entry := range s.pending.ordered() {
		if s.tryAssignLocked(entry) {
			report.Assigned++
		}
	}
	if s.cfg.PreemptionEnabled {
		report.Preempted = s.preemptLocked()
	}
	report.StillPending = s.pending.Len()

	if report.Assigned > 0 || report.Preempted > 0 {
		s.logger.Debug("Rebalance pass finished",
			zap.Int("assigned", report.Assigned),
			zap.Int("preempted", report.Preempted),
			zap.Int("pending", report.StillPending))
	}
	return report
}

// ForceRebalance runs a rebalance pass immediately, outside the periodic
// schedule.
func (s *TaskScheduler) ForceRebalance() RebalanceReport {
	report := s.Rebalance()
	log := s.logger.Debug
	if report.Assigned > 0 || report.Preempted > 0 {
		log = s.logger.Info
	}
	log("Forced rebalance",
		zap.Int("assigned", report.Assigned),
		zap.Int("preempted", report.Preempted),
		zap.Int("pending", report.StillPending))
	return report
}

// preemptLocked moves preemptible tasks that have not been dispatched yet to
// a unit with a strictly higher score. Running tasks are never moved.
// s.mu must be held.
func (s *TaskScheduler) preemptLocked() int {
	moved := 0
	for _, entry := range s.running.entries {
		if entry.task.Status != model.TaskStatusAssigned || !entry.task.Preemptible || entry.reservedOn == 0 {
			continue
		}

		current, ok := s.registry.Find(entry.reservedOn)
		if !ok {
			continue
		}
		// score the current unit as if this task's demand were returned
		current.AvailableCapacity += entry.task.ResourceDemand
		currentScore := s.engine.Score(&entry.task, current, s.cfg)

		candidates := make([]model.ResourceUnit, 0)
		for _, unit := range s.registry.ListActive(entry.task.ResourceType) {
			if unit.ID != current.ID {
				candidates = append(candidates, unit)
			}
		}
		target, ok := s.engine.SelectUnit(&entry.task, candidates, s.cfg)
		if !ok {
			continue
		}
		targetUnit, _ := s.registry.Find(target)
		if s.engine.Score(&entry.task, targetUnit, s.cfg) <= currentScore+scoreEpsilon {
			continue
		}

		if err := s.registry.Reserve(target, entry.task.ResourceDemand); err != nil {
			continue
		}
		if err := s.registry.Release(current.ID, entry.task.ResourceDemand); err != nil {
			s.logger.Error("Failed to release preempted reservation",
				zap.Uint64("task_id", uint64(entry.task.ID)),
				zap.Uint64("unit_id", uint64(current.ID)),
				zap.Error(err))
		}
		entry.reservedOn = target
		entry.task.AssignedUnitID = target
		moved++

		s.logger.Debug("Task preempted",
			zap.Uint64("task_id", uint64(entry.task.ID)),
			zap.Uint64("from_unit", uint64(current.ID)),
			zap.Uint64("to_unit", uint64(target)))
	}
	return moved
}
