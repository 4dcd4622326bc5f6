package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/registry"
)

// UnitRegistry is the subset of the resource registry the scheduler needs.
type UnitRegistry interface {
	ListActive(resourceType model.ResourceType) []model.ResourceUnit
	Find(id model.UnitID) (model.ResourceUnit, bool)
	Reserve(id model.UnitID, amount float64) error
	Release(id model.UnitID, amount float64) error
	TotalsByType() map[model.ResourceType]registry.Totals
}

// Runner executes task payloads
type Runner interface {
	Run(ctx context.Context, task model.Task) (*model.TaskResult, error)
}

// UsageRecorder receives usage of dispatched tasks
type UsageRecorder interface {
	RecordOperation(resourceType model.ResourceType, amount float64)
	ReleaseUsage(resourceType model.ResourceType, amount float64)
}

// UsageReporter receives allocatable pool usage and task outcomes
type UsageReporter interface {
	ReportUsage(ctx context.Context, activeUnits int, errorRate float64) error
}

// CompletionSink is notified of every finished task
type CompletionSink interface {
	TaskCompleted(result model.TaskResult)
}

// Archiver stores tasks drained from the completed queue
type Archiver interface {
	Archive(ctx context.Context, tasks []model.Task) error
}

// SubmitRequest describes a task to be scheduled
type SubmitRequest struct {
	Type             string
	ResourceType     model.ResourceType
	Priority         model.TaskPriority
	ResourceDemand   float64
	ExpectedDuration time.Duration
	Payload          []byte
	// Preemptible tasks may be moved to a better unit while not yet dispatched.
	Preemptible bool
}

func (r SubmitRequest) validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: task type is required", model.ErrInvalidArgument)
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: priority %d", model.ErrInvalidArgument, r.Priority)
	}
	if r.ResourceType != "" && !r.ResourceType.IsValid() {
		return fmt.Errorf("%w: resource type %q", model.ErrInvalidArgument, r.ResourceType)
	}
	if r.ResourceDemand < 0 || math.IsNaN(r.ResourceDemand) || math.IsInf(r.ResourceDemand, 0) {
		return fmt.Errorf("%w: resource demand %v", model.ErrInvalidArgument, r.ResourceDemand)
	}
	if r.ExpectedDuration < 0 {
		return fmt.Errorf("%w: expected duration %s", model.ErrInvalidArgument, r.ExpectedDuration)
	}
	return nil
}

// TaskFilters defines the filters for listing tasks
type TaskFilters struct {
	Status   []model.TaskStatus
	Priority []model.TaskPriority
	Type     string
	Limit    int
}

// Option configures a TaskScheduler
type Option func(*TaskScheduler)

// WithRunner sets the payload runner used by workers.
func WithRunner(runner Runner) Option {
	return func(s *TaskScheduler) { s.runner = runner }
}

// WithCompletionSink forwards every task result to sink.
func WithCompletionSink(sink CompletionSink) Option {
	return func(s *TaskScheduler) { s.sink = sink }
}

// WithArchiver stores drained tasks.
func WithArchiver(archiver Archiver) Option {
	return func(s *TaskScheduler) { s.archiver = archiver }
}

// WithAllocationEngine replaces the default allocation engine.
func WithAllocationEngine(engine *AllocationEngine) Option {
	return func(s *TaskScheduler) { s.engine = engine }
}

// TaskScheduler owns the pending, running and completed queues and assigns
// tasks to resource units.
type TaskScheduler struct {
	logger   *zap.Logger
	registry UnitRegistry
	usage    UsageRecorder
	reporter UsageReporter
	runner   Runner
	sink     CompletionSink
	archiver Archiver
	engine   *AllocationEngine
	now      func() time.Time

	mu        sync.Mutex
	cfg       model.AllocationConfig
	tasks     map[model.TaskID]*taskEntry
	pending   pendingQueue
	running   fifoQueue
	completed fifoQueue
	nextID    model.TaskID
	seq       uint64
	stats     statsTracker
	active    bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// NewTaskScheduler creates a scheduler. usage and reporter may be nil.
func NewTaskScheduler(
	reg UnitRegistry,
	usage UsageRecorder,
	reporter UsageReporter,
	cfg model.AllocationConfig,
	logger *zap.Logger,
	opts ...Option,
) (*TaskScheduler, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", model.ErrInvalidArgument)
	}

	s := &TaskScheduler{
		logger:   logger.Named("task-scheduler"),
		registry: reg,
		usage:    usage,
		reporter: reporter,
		engine:   NewAllocationEngine(),
		now:      time.Now,
		tasks:    make(map[model.TaskID]*taskEntry),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.validateConfig(cfg); err != nil {
		return nil, err
	}
	s.cfg = cfg

	return s, nil
}

func (s *TaskScheduler) validateConfig(cfg model.AllocationConfig) error {
	switch {
	case !s.engine.SupportsStrategy(cfg.Strategy):
		return fmt.Errorf("%w: allocation strategy %q", model.ErrInvalidArgument, cfg.Strategy)
	case cfg.MaxQueueSize <= 0:
		return fmt.Errorf("%w: max queue size must be positive", model.ErrInvalidArgument)
	case cfg.WorkerCount <= 0:
		return fmt.Errorf("%w: worker count must be positive", model.ErrInvalidArgument)
	case cfg.RebalanceInterval <= 0:
		return fmt.Errorf("%w: rebalance interval must be positive", model.ErrInvalidArgument)
	case cfg.PriorityWeight < 0 || cfg.PerformanceWeight < 0 || cfg.EfficiencyWeight < 0:
		return fmt.Errorf("%w: weights must not be negative", model.ErrInvalidArgument)
	case cfg.TimeoutFactor < 0:
		return fmt.Errorf("%w: timeout factor must not be negative", model.ErrInvalidArgument)
	}
	return nil
}

// Config returns the active configuration snapshot
func (s *TaskScheduler) Config() model.AllocationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the configuration. A changed worker count applies on
// the next Start.
func (s *TaskScheduler) SetConfig(cfg model.AllocationConfig) error {
	if err := s.validateConfig(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info("Allocation config replaced",
		zap.String("strategy", string(cfg.Strategy)),
		zap.Int("max_queue_size", cfg.MaxQueueSize),
		zap.Duration("rebalance_interval", cfg.RebalanceInterval))
	return nil
}

// Start launches the worker pool and the periodic rebalancer
func (s *TaskScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return errors.New("task scheduler already started")
	}
	s.active = true
	workers := s.cfg.WorkerCount
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg = conc.NewWaitGroup()
	s.mu.Unlock()

	s.logger.Info("Starting task scheduler", zap.Int("workers", workers))

	for i := 0; i < workers; i++ {
		workerID := i
		s.wg.Go(func() { s.worker(runCtx, workerID) })
	}
	s.wg.Go(func() { s.rebalanceLoop(runCtx) })

	s.Rebalance()
	return nil
}

// Stop stops the workers and rebalancer and waits for them to exit. Tasks
// still running or assigned are failed with ErrSchedulerStopped. Assigned
// tasks never reach the runner.
func (s *TaskScheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	cancel, wg := s.cancel, s.wg
	s.mu.Unlock()

	s.logger.Info("Stopping task scheduler")
	cancel()
	if r := wg.WaitAndRecover(); r != nil {
		s.logger.Error("Scheduler goroutine panicked", zap.String("panic", r.String()))
	}
	if failed := s.failAssigned(context.Background()); failed > 0 {
		s.logger.Info("Failed assigned tasks on stop", zap.Int("tasks", failed))
	}
}

// Submit admits a task. It fails fast with ErrQueueFull instead of waiting.
// While the scheduler is running an immediate placement is attempted.
func (s *TaskScheduler) Submit(ctx context.Context, req SubmitRequest) (model.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := req.validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() >= s.cfg.MaxQueueSize {
		s.stats.rejected++
		return 0, fmt.Errorf("submit %s task (%d pending): %w", req.Type, s.pending.Len(), model.ErrQueueFull)
	}

	s.nextID++
	s.seq++
	entry := &taskEntry{
		seq: s.seq,
		task: model.Task{
			ID:               s.nextID,
			Type:             req.Type,
			ResourceType:     req.ResourceType,
			Priority:         req.Priority,
			Status:           model.TaskStatusPending,
			Preemptible:      req.Preemptible,
			ResourceDemand:   req.ResourceDemand,
			ExpectedDuration: req.ExpectedDuration,
			CreatedAt:        s.now(),
			Payload:          append([]byte(nil), req.Payload...),
		},
	}
	s.tasks[entry.task.ID] = entry
	s.pending.add(entry)
	s.stats.submitted++

	s.logger.Debug("Task submitted",
		zap.Uint64("task_id", uint64(entry.task.ID)),
		zap.String("type", req.Type),
		zap.String("priority", req.Priority.String()),
		zap.Float64("demand", req.ResourceDemand))

	if s.active {
		s.tryAssignLocked(entry)
	}

	return entry.task.ID, nil
}

// RegisterCompletionCallback attaches fn to a task. It is invoked exactly
// once when the task completes, fails or is cancelled.
func (s *TaskScheduler) RegisterCompletionCallback(id model.TaskID, fn CompletionFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: nil completion callback", model.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, model.ErrTaskNotFound)
	}
	if entry.task.Status.IsTerminal() {
		return fmt.Errorf("task %d is %s: %w", id, entry.task.Status, ErrTaskFinished)
	}
	entry.callbacks = append(entry.callbacks, fn)
	return nil
}

// Cancel cancels a pending task. Tasks that are already assigned or running
// cannot be cancelled.
func (s *TaskScheduler) Cancel(id model.TaskID) error {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cancel task %d: %w", id, model.ErrTaskNotFound)
	}
	if !entry.task.Status.CanTransitionTo(model.TaskStatusCancelled) {
		status := entry.task.Status
		s.mu.Unlock()
		return fmt.Errorf("cancel task %d in status %s: %w", id, status, ErrNotCancellable)
	}
	if !s.pending.remove(entry) {
		s.mu.Unlock()
		return fmt.Errorf("cancel task %d: pending queue out of sync: %w", id, model.ErrInternalAllocation)
	}

	now := s.now()
	entry.task.Status = model.TaskStatusCancelled
	entry.task.CompletedAt = &now
	s.completed.add(entry)
	s.stats.cancelled++

	task := entry.task
	callbacks := entry.callbacks
	entry.callbacks = nil
	s.mu.Unlock()

	s.logger.Info("Task cancelled", zap.Uint64("task_id", uint64(id)))
	s.notify(task, callbacks)
	return nil
}

// GetTask returns a copy of the task
func (s *TaskScheduler) GetTask(id model.TaskID) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %d: %w", id, model.ErrTaskNotFound)
	}
	return entry.task, nil
}

// ListTasks returns copies of the tasks matching filters ordered by ID
func (s *TaskScheduler) ListTasks(filters TaskFilters) []model.Task {
	s.mu.Lock()
	tasks := make([]model.Task, 0, len(s.tasks))
	for _, entry := range s.tasks {
		if matchesFilters(&entry.task, filters) {
			tasks = append(tasks, entry.task)
		}
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	if filters.Limit > 0 && len(tasks) > filters.Limit {
		tasks = tasks[:filters.Limit]
	}
	return tasks
}

func matchesFilters(task *model.Task, filters TaskFilters) bool {
	if filters.Type != "" && task.Type != filters.Type {
		return false
	}

	if len(filters.Status) > 0 {
		statusMatch := false
		for _, status := range filters.Status {
			if task.Status == status {
				statusMatch = true
				break
			}
		}
		if !statusMatch {
			return false
		}
	}

	if len(filters.Priority) > 0 {
		priorityMatch := false
		for _, priority := range filters.Priority {
			if task.Priority == priority {
				priorityMatch = true
				break
			}
		}
		if !priorityMatch {
			return false
		}
	}

	return true
}

// QueueCounts returns the number of tasks in each queue
func (s *TaskScheduler) QueueCounts() model.QueueCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	return model.QueueCounts{
		Pending:   s.pending.Len(),
		Running:   s.running.Len(),
		Completed: s.completed.Len(),
	}
}

// DrainCompleted removes every finished task from the completed queue and
// hands them to the archiver. The drained tasks are returned even when
// archiving fails.
func (s *TaskScheduler) DrainCompleted(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	drained := make([]model.Task, 0, s.completed.Len())
	for _, entry := range s.completed.entries {
		drained = append(drained, entry.task)
		delete(s.tasks, entry.task.ID)
	}
	s.completed.entries = nil
	s.stats.purged += uint64(len(drained))
	s.mu.Unlock()

	if len(drained) == 0 || s.archiver == nil {
		return drained, nil
	}
	if err := s.archiver.Archive(ctx, drained); err != nil {
		return drained, fmt.Errorf("failed to archive %d tasks: %w", len(drained), err)
	}
	return drained, nil
}

// tryAssignLocked places a pending task on the best feasible unit.
// s.mu must be held.
func (s *TaskScheduler) tryAssignLocked(entry *taskEntry) bool {
	if !entry.task.Status.CanTransitionTo(model.TaskStatusAssigned) {
		return false
	}

	units := s.registry.ListActive(entry.task.ResourceType)
	unitID, ok := s.engine.SelectUnit(&entry.task, units, s.cfg)
	if !ok {
		return false
	}
	if err := s.registry.Reserve(unitID, entry.task.ResourceDemand); err != nil {
		s.logger.Debug("Reservation rejected",
			zap.Uint64("task_id", uint64(entry.task.ID)),
			zap.Uint64("unit_id", uint64(unitID)),
			zap.Error(err))
		return false
	}
	if !s.pending.remove(entry) {
		if err := s.registry.Release(unitID, entry.task.ResourceDemand); err != nil {
			s.logger.Error("Failed to roll back reservation", zap.Error(err))
		}
		s.logger.Error("Pending queue out of sync",
			zap.Uint64("task_id", uint64(entry.task.ID)),
			zap.Error(model.ErrInternalAllocation))
		return false
	}

	entry.task.Status = model.TaskStatusAssigned
	entry.task.AssignedUnitID = unitID
	entry.reservedOn = unitID
	s.running.add(entry)

	s.logger.Debug("Task assigned",
		zap.Uint64("task_id", uint64(entry.task.ID)),
		zap.Uint64("unit_id", uint64(unitID)))

	s.signal()
	return true
}

// releaseLocked returns a task's reservation to its unit. It is safe to call
// more than once; only the first call releases. s.mu must be held.
func (s *TaskScheduler) releaseLocked(entry *taskEntry) {
	if entry.reservedOn == 0 {
		return
	}
	unitID := entry.reservedOn
	entry.reservedOn = 0

	if err := s.registry.Release(unitID, entry.task.ResourceDemand); err != nil {
		s.logger.Error("Failed to release reservation",
			zap.Uint64("task_id", uint64(entry.task.ID)),
			zap.Uint64("unit_id", uint64(unitID)),
			zap.Error(err))
	}
}

// notify delivers a finished task to the sink and its callbacks outside the
// scheduler lock. Callback panics are logged and do not propagate.
func (s *TaskScheduler) notify(task model.Task, callbacks []CompletionFunc) {
	if s.sink != nil {
		s.sink.TaskCompleted(model.TaskResult{
			TaskID:      task.ID,
			Type:        task.Type,
			Status:      task.Status,
			Result:      task.Result,
			Error:       task.Error,
			CompletedAt: s.now(),
		})
	}

	for _, cb := range callbacks {
		var pc panics.Catcher
		pc.Try(func() { cb(task.ID, task.Status, task.Result) })
		if r := pc.Recovered(); r != nil {
			s.logger.Error("Completion callback panicked",
				zap.Uint64("task_id", uint64(task.ID)),
				zap.String("panic", r.String()))
		}
	}
}

func (s *TaskScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
