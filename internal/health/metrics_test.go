package health

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fleetctl/internal/bus"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

type fakeQueueDepths map[string]map[v1.Priority]int

func (f fakeQueueDepths) QueueDepths() map[string]map[v1.Priority]int { return f }

type fakeActiveAgents int

func (f fakeActiveAgents) ActiveAgentCount() int { return int(f) }

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetricsCountsTaskCompletion(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	m := NewMetrics()
	require.NoError(t, m.Subscribe(eventBus))
	defer m.Close()

	evt := bus.NewEvent(bus.EventTaskCompleted, "test", map[string]any{"task_id": "t1"})
	require.NoError(t, eventBus.Publish(context.Background(), bus.EventSubject(bus.EventTaskCompleted), evt))

	require.Eventually(t, func() bool {
		return counterValue(t, m.tasksCompleted) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMetricsCountsRetryFromStateChange(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	m := NewMetrics()
	require.NoError(t, m.Subscribe(eventBus))
	defer m.Close()

	evt := bus.NewEvent(bus.EventTaskStateChanged, "test", map[string]any{"task_id": "t1", "state": string(v1.TaskStateRetrying)})
	require.NoError(t, eventBus.Publish(context.Background(), bus.EventSubject(bus.EventTaskStateChanged), evt))

	require.Eventually(t, func() bool {
		return counterValue(t, m.tasksRetried) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPollGaugesReflectsProviders(t *testing.T) {
	m := NewMetrics()
	depths := fakeQueueDepths{"agent-1": {v1.PriorityHigh: 3}}
	m.PollGauges(depths, fakeActiveAgents(2))

	gauge, err := m.queueDepth.GetMetricWithLabelValues("agent-1", "HIGH")
	require.NoError(t, err)
	var mm dto.Metric
	require.NoError(t, gauge.Write(&mm))
	require.Equal(t, float64(3), mm.GetGauge().GetValue())
}
