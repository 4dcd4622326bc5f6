package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/testutil"
)

type panicSink struct{}

func (panicSink) Alert(model.Alert)              { panic("sink bug") }
func (panicSink) Adjustment(model.Adjustment)    {}
func (panicSink) TaskCompleted(model.TaskResult) {}

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(2)

	s.Alert(model.Alert{ID: "a1", ResourceType: model.ResourceTypeCPU})
	s.TaskCompleted(model.TaskResult{TaskID: 7, Status: model.TaskStatusCompleted})
	s.Adjustment(model.Adjustment{OldUnits: 4, NewUnits: 8})

	assert.Equal(t, uint64(1), s.Dropped())

	ev := <-s.Events()
	assert.Equal(t, KindAlert, ev.Kind)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, "a1", ev.Alert.ID)

	ev = <-s.Events()
	assert.Equal(t, KindTaskResult, ev.Kind)
	require.NotNil(t, ev.TaskResult)
	assert.Equal(t, model.TaskID(7), ev.TaskResult.TaskID)
}

func TestMulti(t *testing.T) {
	first := NewChannelSink(4)
	second := NewChannelSink(4)
	m := NewMulti(zaptest.NewLogger(t), first, nil, panicSink{}, second)

	m.Alert(model.Alert{ID: "a1"})
	m.Adjustment(model.Adjustment{Result: model.AdjustSuccess})

	for _, s := range []*ChannelSink{first, second} {
		assert.Equal(t, KindAlert, (<-s.Events()).Kind)
		assert.Equal(t, KindAdjustment, (<-s.Events()).Kind)
	}
}

func TestNATSSink(t *testing.T) {
	_, js := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)

	sink, err := NewNATSSink(context.Background(), js, NATSConfig{}, logger)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, StreamName, 5*time.Second))

	t.Run("1. Stream setup is idempotent", func(t *testing.T) {
		_, err := NewNATSSink(context.Background(), js, NATSConfig{}, logger)
		require.NoError(t, err)
	})

	t.Run("2. Alerts are published per resource type", func(t *testing.T) {
		sink.Alert(model.Alert{ID: "a1", ResourceType: model.ResourceTypeMemory, Value: 0.9, Threshold: 0.8})

		msgs, err := testutil.ConsumeMessages(js, AlertSubjectFor(model.ResourceTypeMemory), 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "qentl.alert.memory", msgs[0].Subject)

		var alert model.Alert
		require.NoError(t, json.Unmarshal(msgs[0].Data, &alert))
		assert.Equal(t, "a1", alert.ID)
		assert.Equal(t, 0.9, alert.Value)
	})

	t.Run("3. Task results are published per task", func(t *testing.T) {
		sink.TaskCompleted(model.TaskResult{TaskID: 42, Status: model.TaskStatusFailed, Error: "boom"})

		msgs, err := testutil.ConsumeMessages(js, TaskResultSubjectFor(42), 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var result model.TaskResult
		require.NoError(t, json.Unmarshal(msgs[0].Data, &result))
		assert.Equal(t, model.TaskStatusFailed, result.Status)
		assert.Equal(t, "boom", result.Error)
	})

	t.Run("4. Adjustments", func(t *testing.T) {
		sink.Adjustment(model.Adjustment{OldUnits: 10, NewUnits: 17, Result: model.AdjustSuccess})

		msgs, err := testutil.ConsumeMessages(js, AdjustmentSubject, 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var adj model.Adjustment
		require.NoError(t, json.Unmarshal(msgs[0].Data, &adj))
		assert.Equal(t, 17, adj.NewUnits)
	})
}
