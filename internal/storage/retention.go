package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/cronlog"
	"github.com/t77yq/qentl-scheduler/internal/model"
)

// Retention periodically deletes archived tasks older than MaxAge
type Retention struct {
	logger   *zap.Logger
	store    TaskHistoryStorage
	maxAge   time.Duration
	schedule string

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRetention creates a retention job. schedule is a standard cron
// expression or descriptor such as "@hourly".
func NewRetention(store TaskHistoryStorage, maxAge time.Duration, schedule string, logger *zap.Logger) (*Retention, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", model.ErrInvalidArgument)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: retention max age must be positive", model.ErrInvalidArgument)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("%w: invalid retention schedule %q: %w", model.ErrInvalidArgument, schedule, err)
	}
	return &Retention{
		logger:   logger.Named("history-retention"),
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
	}, nil
}

// Purge deletes every record older than the retention window now
func (r *Retention) Purge(ctx context.Context) (int64, error) {
	return r.store.DeleteBefore(ctx, time.Now().Add(-r.maxAge))
}

// Start schedules the purge job
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("history retention already started")
	}

	c := cron.New(cronlog.Options(r.logger)...)
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Purge(ctx); err != nil {
			r.logger.Error("Failed to purge task history", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule retention job: %w", err)
	}

	r.cron = c
	c.Start()
	r.logger.Info("History retention started",
		zap.String("schedule", r.schedule),
		zap.Duration("max_age", r.maxAge))
	return nil
}

// Stop cancels the job and waits for a running purge
func (r *Retention) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
