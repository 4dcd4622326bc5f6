package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []SubmitRequest
	err      error
}

func (s *recordingSubmitter) Submit(_ context.Context, req SubmitRequest) (model.TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.requests = append(s.requests, req)
	return model.TaskID(len(s.requests)), nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func TestCronScheduler_Schedules(t *testing.T) {
	submitter := &recordingSubmitter{}
	s := NewCronScheduler(submitter, zaptest.NewLogger(t))

	t.Run("1. add", func(t *testing.T) {
		id, err := s.AddSchedule(model.CronSchedule{
			Name:           "compact",
			Expression:     "*/5 * * * *",
			TaskType:       "workload",
			ResourceDemand: 2,
			Payload:        []byte(`{"units":2}`),
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		schedule, err := s.GetSchedule(id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskPriorityNormal, schedule.Priority)
		require.NotNil(t, schedule.NextRunTime)
		assert.True(t, schedule.NextRunTime.After(schedule.CreatedAt))
		assert.Nil(t, schedule.LastRunTime)
	})

	t.Run("2. validation", func(t *testing.T) {
		tests := []struct {
			name     string
			schedule model.CronSchedule
		}{
			{"missing name", model.CronSchedule{Expression: "@hourly", TaskType: "workload"}},
			{"missing type", model.CronSchedule{Name: "x", Expression: "@hourly"}},
			{"bad expression", model.CronSchedule{Name: "x", Expression: "every tuesday", TaskType: "workload"}},
			{"negative demand", model.CronSchedule{Name: "x", Expression: "@hourly", TaskType: "workload", ResourceDemand: -1}},
			{"bad resource type", model.CronSchedule{Name: "x", Expression: "@hourly", TaskType: "workload", ResourceType: "gpu"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := s.AddSchedule(tt.schedule)
				require.ErrorIs(t, err, model.ErrInvalidArgument)
			})
		}
	})

	t.Run("3. duplicate id", func(t *testing.T) {
		_, err := s.AddSchedule(model.CronSchedule{ID: "fixed", Name: "a", Expression: "@daily", TaskType: "workload"})
		require.NoError(t, err)
		_, err = s.AddSchedule(model.CronSchedule{ID: "fixed", Name: "b", Expression: "@daily", TaskType: "workload"})
		require.ErrorIs(t, err, model.ErrInvalidArgument)
	})

	t.Run("4. list ordered by name", func(t *testing.T) {
		schedules := s.ListSchedules()
		require.Len(t, schedules, 2)
		assert.Equal(t, "a", schedules[0].Name)
		assert.Equal(t, "compact", schedules[1].Name)
	})

	t.Run("5. run now", func(t *testing.T) {
		schedules := s.ListSchedules()
		id := schedules[1].ID

		taskID, err := s.RunNow(id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskID(1), taskID)

		require.Equal(t, 1, submitter.count())
		req := submitter.requests[0]
		assert.Equal(t, "workload", req.Type)
		assert.Equal(t, 2.0, req.ResourceDemand)
		assert.JSONEq(t, `{"units":2}`, string(req.Payload))

		schedule, err := s.GetSchedule(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), schedule.Runs)
		assert.Equal(t, model.TaskID(1), schedule.LastTaskID)
		require.NotNil(t, schedule.LastRunTime)
	})

	t.Run("6. rejected submission", func(t *testing.T) {
		submitter.mu.Lock()
		submitter.err = model.ErrQueueFull
		submitter.mu.Unlock()

		_, err := s.RunNow("fixed")
		require.ErrorIs(t, err, model.ErrQueueFull)

		schedule, err := s.GetSchedule("fixed")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), schedule.Failures)
		assert.Contains(t, schedule.LastError, "queue")
	})

	t.Run("7. remove", func(t *testing.T) {
		require.NoError(t, s.RemoveSchedule("fixed"))
		require.ErrorIs(t, s.RemoveSchedule("fixed"), ErrScheduleNotFound)
		_, err := s.GetSchedule("fixed")
		require.ErrorIs(t, err, ErrScheduleNotFound)
		_, err = s.RunNow("fixed")
		require.ErrorIs(t, err, ErrScheduleNotFound)
	})
}

func TestCronScheduler_Fires(t *testing.T) {
	submitter := &recordingSubmitter{}
	s := NewCronScheduler(submitter, zaptest.NewLogger(t))

	_, err := s.AddSchedule(model.CronSchedule{
		Name:       "tick",
		Expression: "* * * * * *",
		TaskType:   "workload",
		Priority:   model.TaskPriorityHigh,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return submitter.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
	s.Stop()

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	assert.Equal(t, model.TaskPriorityHigh, submitter.requests[0].Priority)
}
