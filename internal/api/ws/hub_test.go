package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestClientWantsMatchesPrefixFilters(t *testing.T) {
	c := newClient("c1", nil, nil)
	assert.True(t, c.wants("task.completed"), "no filters set means every event matches")

	c.filters["task"] = true
	assert.True(t, c.wants("task.completed"))
	assert.False(t, c.wants("workflow.completed"))
}

func TestHubFansOutToSubscribedClients(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	hub, err := NewHub(eventBus, newTestLogger(t))
	require.NoError(t, err)
	defer hub.Close()

	c := newClient("c1", nil, hub)
	hub.register(c)
	assert.Equal(t, 1, hub.ClientCount())

	evt := bus.NewEvent("task.completed", "queue", map[string]any{"task_id": "t1"})
	require.NoError(t, eventBus.Publish(context.Background(), bus.EventSubject("task.completed"), evt))

	select {
	case data := <-c.send:
		assert.Contains(t, string(data), "task.completed")
	case <-time.After(time.Second):
		t.Fatal("expected event to be delivered to client")
	}

	hub.unregister(c)
	assert.Equal(t, 0, hub.ClientCount())
}
