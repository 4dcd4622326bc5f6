package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qentl-scheduler/internal/config"
	"github.com/t77yq/qentl-scheduler/internal/device"
	"github.com/t77yq/qentl-scheduler/internal/events"
	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/scheduler"
	"github.com/t77yq/qentl-scheduler/internal/storage"
	"github.com/t77yq/qentl-scheduler/internal/testutil"
)

type recordingSink struct {
	mu          sync.Mutex
	alerts      []model.Alert
	adjustments []model.Adjustment
	results     []model.TaskResult
}

func (s *recordingSink) Alert(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *recordingSink) Adjustment(adj model.Adjustment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adjustments = append(s.adjustments, adj)
}

func (s *recordingSink) TaskCompleted(result model.TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
}

func (s *recordingSink) result(id model.TaskID) (model.TaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.TaskID == id {
			return r, true
		}
	}
	return model.TaskResult{}, false
}

func (s *recordingSink) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.RebalanceInterval = 10 * time.Millisecond
	cfg.Scheduler.DrainInterval = 20 * time.Millisecond
	cfg.Monitor.SamplingInterval = 10 * time.Millisecond
	cfg.Monitor.Thresholds = []config.ThresholdConfig{
		{ResourceType: "allocatable", Fraction: 0.1, Severity: "warning"},
	}
	cfg.Device.Source = "static"
	cfg.Device.ProbeInterval = time.Hour
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	cfg.Units = []config.UnitConfig{
		{Type: "cpu", Capacity: 4, Performance: 0.9, Efficiency: 0.6},
	}
	return cfg
}

func workload(duration time.Duration) []byte {
	data, _ := json.Marshal(map[string]string{"duration": duration.String()})
	return data
}

func TestEngine_Lifecycle(t *testing.T) {
	cfg := testConfig(t)
	source := device.NewStaticSource(model.DeviceCapabilities{
		CPUCores:             4,
		MaxAllocatableUnits:  20,
		AllocatableErrorRate: 0.01,
	})
	sink := &recordingSink{}

	e, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithSource(source), WithSinks(sink))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()
	require.Error(t, e.Start(context.Background()))

	t.Run("1. Initial probe sizes the allocatable pool", func(t *testing.T) {
		assert.Equal(t, 17, e.Controller.CurrentUnits())
		unit, ok := e.Registry.Find(e.Binding.UnitID())
		require.True(t, ok)
		assert.Equal(t, model.ResourceTypeAllocatable, unit.Type)
		assert.Equal(t, 17.0, unit.TotalCapacity)
	})

	t.Run("2. Tasks run through the executor", func(t *testing.T) {
		id, err := e.Scheduler.Submit(context.Background(), scheduler.SubmitRequest{
			Type:             "workload",
			ResourceType:     model.ResourceTypeAllocatable,
			Priority:         model.TaskPriorityHigh,
			ResourceDemand:   4,
			ExpectedDuration: 200 * time.Millisecond,
			Payload:          workload(150 * time.Millisecond),
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return sink.alertCount() > 0 }, 2*time.Second, 10*time.Millisecond,
			"reserving 4 of 17 units crosses the 10% threshold")

		require.Eventually(t, func() bool {
			_, ok := sink.result(id)
			return ok
		}, 2*time.Second, 10*time.Millisecond)
		result, _ := sink.result(id)
		assert.Equal(t, model.TaskStatusCompleted, result.Status)

		unit, _ := e.Registry.Find(e.Binding.UnitID())
		assert.Equal(t, unit.TotalCapacity, unit.AvailableCapacity, "reservation released")
	})

	t.Run("3. Unknown task types fail", func(t *testing.T) {
		id, err := e.Scheduler.Submit(context.Background(), scheduler.SubmitRequest{
			Type:           "teleport",
			Priority:       model.TaskPriorityLow,
			ResourceDemand: 1,
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, ok := sink.result(id)
			return ok
		}, 2*time.Second, 10*time.Millisecond)
		result, _ := sink.result(id)
		assert.Equal(t, model.TaskStatusFailed, result.Status)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("4. Capability changes resize the pool", func(t *testing.T) {
		source.Set(model.DeviceCapabilities{CPUCores: 8, MaxAllocatableUnits: 40, AllocatableErrorRate: 0.01})
		_, err := e.Watcher.Probe(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 34, e.Controller.CurrentUnits())
		unit, ok := e.Registry.Find(e.Binding.UnitID())
		require.True(t, ok)
		assert.Equal(t, 34.0, unit.TotalCapacity)
	})

	t.Run("5. Completed tasks are archived", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return e.Scheduler.QueueCounts().Completed == 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	e.Stop()

	history, err := storage.NewSQLiteTaskHistory(zaptest.NewLogger(t), cfg.History.Path)
	require.NoError(t, err)
	defer history.Close()

	count, err := history.Count(context.Background(), storage.HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	failed, err := history.Count(context.Background(), storage.HistoryFilter{Status: model.TaskStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestEngine_NATSIntake(t *testing.T) {
	nc, js := testutil.StartJetStream(t)

	cfg := testConfig(t)
	cfg.History.Enabled = false
	cfg.Monitor.Thresholds = nil
	source := device.NewStaticSource(model.DeviceCapabilities{CPUCores: 2, MaxAllocatableUnits: 8})

	e, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithSource(source), WithConn(nc))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()
	require.NoError(t, testutil.WaitForStream(t, js, events.StreamName, 5*time.Second))

	request := func(m SubmitMessage) SubmitReply {
		data, err := json.Marshal(m)
		require.NoError(t, err)
		msg, err := nc.Request(events.SubmitSubject, data, 5*time.Second)
		require.NoError(t, err)
		var reply SubmitReply
		require.NoError(t, json.Unmarshal(msg.Data, &reply))
		return reply
	}

	reply := request(SubmitMessage{
		Type:             "data_processing",
		ResourceType:     model.ResourceTypeCPU,
		ResourceDemand:   1,
		ExpectedDuration: "1s",
		Payload:          json.RawMessage(`{"input_data":[1,2,3],"operation":"aggregate","parameters":{"function":"sum"}}`),
	})
	require.Empty(t, reply.Error)
	require.NotZero(t, reply.TaskID)

	msgs, err := testutil.ConsumeMessages(js, events.TaskResultSubjectFor(reply.TaskID), 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var result model.TaskResult
	require.NoError(t, json.Unmarshal(msgs[0].Data, &result))
	assert.Equal(t, model.TaskStatusCompleted, result.Status)

	task, err := e.Scheduler.GetTask(reply.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPriorityNormal, task.Priority)

	bad := request(SubmitMessage{Type: "workload", ExpectedDuration: "soon"})
	assert.Contains(t, bad.Error, "expected duration")

	bad = request(SubmitMessage{Type: "", ResourceDemand: 1})
	assert.NotEmpty(t, bad.Error)
}

func TestEngine_Schedules(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = false
	cfg.Monitor.Thresholds = nil
	cfg.Schedules = []config.ScheduleConfig{{
		Name:           "sum",
		Expression:     "* * * * * *",
		Type:           "data_processing",
		ResourceType:   "cpu",
		ResourceDemand: 1,
		Payload:        `{"input_data":[2,3],"operation":"aggregate","parameters":{"function":"sum"}}`,
	}}
	source := device.NewStaticSource(model.DeviceCapabilities{CPUCores: 2, MaxAllocatableUnits: 8})
	sink := &recordingSink{}

	e, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithSource(source), WithSinks(sink))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	schedules := e.Cron.ListSchedules()
	require.Len(t, schedules, 1)
	id := schedules[0].ID

	require.Eventually(t, func() bool {
		schedule, err := e.Cron.GetSchedule(id)
		if err != nil || schedule.LastTaskID == 0 {
			return false
		}
		_, ok := sink.result(schedule.LastTaskID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	schedule, err := e.Cron.GetSchedule(id)
	require.NoError(t, err)
	result, _ := sink.result(schedule.LastTaskID)
	assert.Equal(t, model.TaskStatusCompleted, result.Status)
	assert.JSONEq(t, "5", string(result.Result))

	cfg = testConfig(t)
	cfg.Schedules = []config.ScheduleConfig{{Name: "broken", Expression: "sometimes", Type: "workload"}}
	_, err = New(context.Background(), cfg, zaptest.NewLogger(t), WithSource(source))
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestEngine_SuggestionsFeedBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.RebalanceInterval = time.Hour
	cfg.Monitor.SystemMetrics = false
	cfg.Adjuster.Strategy = "adaptive"
	cfg.Adjuster.AutoAdjust = false
	cfg.Units = append(cfg.Units, config.UnitConfig{Type: "memory", Capacity: 10, Performance: 0.5, Efficiency: 0.5})
	source := device.NewStaticSource(model.DeviceCapabilities{
		CPUCores:             4,
		MaxAllocatableUnits:  20,
		AllocatableErrorRate: 0.01,
	})

	e, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithSource(source))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	t.Run("1. Allocation suggestions adjust the pool", func(t *testing.T) {
		require.Equal(t, 17, e.Controller.CurrentUnits())
		require.NoError(t, e.Registry.Reserve(e.Binding.UnitID(), 15))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 17, e.Controller.CurrentUnits(), "no usage report to act on yet")

		require.NoError(t, e.Controller.ReportUsage(context.Background(), 15, 0))
		require.Eventually(t, func() bool { return e.Controller.CurrentUnits() == 20 }, 2*time.Second, 10*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 20, e.Controller.CurrentUnits())
		assert.Equal(t, uint64(1), e.Controller.Stats().TotalAdjustments)
	})

	t.Run("2. Rebalance suggestions place pending tasks", func(t *testing.T) {
		cpu := e.Registry.ListActive(model.ResourceTypeCPU)
		require.Len(t, cpu, 1)
		require.NoError(t, e.Registry.SetActive(cpu[0].ID, false))

		id, err := e.Scheduler.Submit(context.Background(), scheduler.SubmitRequest{
			Type:           "workload",
			ResourceType:   model.ResourceTypeCPU,
			Priority:       model.TaskPriorityNormal,
			ResourceDemand: 1,
			Payload:        workload(time.Millisecond),
		})
		require.NoError(t, err)
		require.Equal(t, 1, e.Scheduler.QueueCounts().Pending)

		require.NoError(t, e.Registry.SetActive(cpu[0].ID, true))
		memory := e.Registry.ListActive(model.ResourceTypeMemory)
		require.Len(t, memory, 1)
		require.NoError(t, e.Registry.Reserve(memory[0].ID, 9))

		require.Eventually(t, func() bool {
			return e.Scheduler.QueueCounts().Pending == 0
		}, 2*time.Second, 10*time.Millisecond, "placed by a rebalance on memory pressure")
		task, err := e.Scheduler.GetTask(id)
		if err == nil {
			assert.NotEqual(t, model.TaskStatusPending, task.Status)
		}
	})
}

func TestNewSource(t *testing.T) {
	cfg := config.Default().Device

	src, err := NewSource(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &device.HostProbe{}, src)

	cfg.Source = "static"
	cfg.Static.MaxAllocatableUnits = 12
	src, err = NewSource(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	caps, err := src.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, caps.MaxAllocatableUnits)

	cfg.Source = "quantum"
	_, err = NewSource(cfg, zaptest.NewLogger(t))
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}
