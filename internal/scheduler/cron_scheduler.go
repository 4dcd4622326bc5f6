package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/cronlog"
	"github.com/t77yq/qentl-scheduler/internal/model"
)

// Submitter admits tasks. TaskScheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (model.TaskID, error)
}

// CronScheduler submits recurring tasks on cron expressions. Expressions
// take an optional leading seconds field and descriptors such as "@every 1m".
type CronScheduler struct {
	logger    *zap.Logger
	submitter Submitter
	parser    cron.Parser
	cron      *cron.Cron

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	schedules map[string]*scheduleEntry
}

type scheduleEntry struct {
	schedule model.CronSchedule
	sched    cron.Schedule
	entryID  cron.EntryID
}

// NewCronScheduler creates a scheduler submitting to submitter
func NewCronScheduler(submitter Submitter, logger *zap.Logger) *CronScheduler {
	logger = logger.Named("cron-scheduler")
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	opts := append(cronlog.Options(logger), cron.WithParser(parser))
	return &CronScheduler{
		logger:    logger,
		submitter: submitter,
		parser:    parser,
		cron:      cron.New(opts...),
		ctx:       context.Background(),
		schedules: make(map[string]*scheduleEntry),
	}
}

// Start starts firing schedules. Submissions use ctx.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("cron scheduler already started")
	}
	s.ctx = ctx
	s.running = true
	s.cron.Start()

	s.logger.Info("Cron scheduler started", zap.Int("schedules", len(s.schedules)))
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

func (s *CronScheduler) validate(schedule *model.CronSchedule) (cron.Schedule, error) {
	if schedule.Name == "" {
		return nil, fmt.Errorf("%w: schedule name is required", model.ErrInvalidArgument)
	}
	if schedule.Priority == 0 {
		schedule.Priority = model.TaskPriorityNormal
	}
	if err := s.request(*schedule).validate(); err != nil {
		return nil, err
	}
	sched, err := s.parser.Parse(schedule.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %w", model.ErrInvalidArgument, schedule.Expression, err)
	}
	return sched, nil
}

func (s *CronScheduler) request(schedule model.CronSchedule) SubmitRequest {
	return SubmitRequest{
		Type:             schedule.TaskType,
		ResourceType:     schedule.ResourceType,
		Priority:         schedule.Priority,
		ResourceDemand:   schedule.ResourceDemand,
		ExpectedDuration: schedule.ExpectedDuration,
		Payload:          schedule.Payload,
		Preemptible:      schedule.Preemptible,
	}
}

// AddSchedule validates and installs a schedule and returns its ID
func (s *CronScheduler) AddSchedule(schedule model.CronSchedule) (string, error) {
	sched, err := s.validate(&schedule)
	if err != nil {
		return "", err
	}

	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	now := time.Now()
	schedule.CreatedAt = now
	next := sched.Next(now)
	schedule.NextRunTime = &next

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return "", fmt.Errorf("%w: schedule %s already exists", model.ErrInvalidArgument, schedule.ID)
	}

	id := schedule.ID
	entry := &scheduleEntry{schedule: schedule, sched: sched}
	entry.entryID = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
	s.schedules[id] = entry

	s.logger.Info("Added schedule",
		zap.String("id", id),
		zap.String("name", schedule.Name),
		zap.String("expression", schedule.Expression),
		zap.Time("next_run", next))

	return id, nil
}

// RemoveSchedule removes a schedule
func (s *CronScheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.cron.Remove(entry.entryID)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule gets a schedule by ID
func (s *CronScheduler) GetSchedule(id string) (model.CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.schedules[id]
	if !ok {
		return model.CronSchedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return entry.schedule, nil
}

// ListSchedules lists all schedules ordered by name
func (s *CronScheduler) ListSchedules() []model.CronSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.CronSchedule, 0, len(s.schedules))
	for _, entry := range s.schedules {
		out = append(out, entry.schedule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RunNow fires a schedule immediately
func (s *CronScheduler) RunNow(id string) (model.TaskID, error) {
	return s.fire(id)
}

func (s *CronScheduler) fire(id string) (model.TaskID, error) {
	s.mu.Lock()
	entry, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	req := s.request(entry.schedule)
	ctx := s.ctx
	s.mu.Unlock()

	taskID, err := s.submitter.Submit(ctx, req)

	now := time.Now()
	s.mu.Lock()
	if entry, ok = s.schedules[id]; ok {
		next := entry.sched.Next(now)
		entry.schedule.LastRunTime = &now
		entry.schedule.NextRunTime = &next
		entry.schedule.Runs++
		if err != nil {
			entry.schedule.Failures++
			entry.schedule.LastError = err.Error()
		} else {
			entry.schedule.LastTaskID = taskID
			entry.schedule.LastError = ""
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Scheduled submission rejected",
			zap.String("id", id),
			zap.Error(err))
		return 0, err
	}

	s.logger.Debug("Executed schedule",
		zap.String("id", id),
		zap.Uint64("task_id", uint64(taskID)),
		zap.Time("executed_at", now))
	return taskID, nil
}
