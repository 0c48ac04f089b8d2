package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fleetctl/internal/breaker"
	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/queue"
	"github.com/kandev/fleetctl/internal/terminal/faketerm"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// system wires a real queue manager, bridge registry, and fake terminal
// driver together, the same graph cmd/orchestrator builds, minus the
// HTTP boundary.
type system struct {
	manager *queue.Manager
	agents  *Registry
	driver  *faketerm.Driver
}

func startSystem(t *testing.T, agentIDs ...string) *system {
	t.Helper()
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	qcfg := config.QueueConfig{
		PollIntervalSeconds:           0.01,
		TimeoutMonitorIntervalSeconds: 0.05,
		CleanerIntervalSeconds:        3600,
		MaxRetryBackoffSeconds:        60,
	}
	manager := queue.NewManager(qcfg, eventBus, log, 0)
	driver := faketerm.New(time.Millisecond)
	breakers := breaker.NewRegistry(config.BreakerConfig{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		OpenTimeoutSeconds: 0.2,
		SlidingWindow:      10,
	}, nil)
	agents := NewRegistry(driver, eventBus, breakers, manager, bridgeConfig(), log)
	manager.SetDispatcher(agents)

	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range agentIDs {
		_, err := agents.Register(ctx, id)
		require.NoError(t, err)
	}
	manager.Start(ctx)
	t.Cleanup(func() {
		agents.Stop()
		manager.Stop()
		cancel()
	})
	return &system{manager: manager, agents: agents, driver: driver}
}

func (s *system) waitState(t *testing.T, taskID string, want v1.TaskState, within time.Duration) *v1.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := s.manager.Get(taskID)
		return ok && got.State == want
	}, within, 5*time.Millisecond, "task %s never reached %s", taskID, want)
	got, _ := s.manager.Get(taskID)
	return got
}

func shellLines(lines ...string) v1.Payload {
	return v1.Payload{Kind: v1.CommandShell, Lines: lines}
}

func TestEndToEndSimpleSuccess(t *testing.T) {
	sys := startSystem(t, "backend")

	task := &v1.Task{Name: "echo", Agent: "backend", TimeoutSeconds: 10, Payload: shellLines("echo hello")}
	require.NoError(t, sys.manager.Submit(task))

	sys.waitState(t, task.ID, v1.TaskStateRunning, 2*time.Second)

	pane, err := sys.driver.CapturePane(context.Background(), "backend", 0)
	require.NoError(t, err)
	assert.Contains(t, pane, "### TASK_START:"+task.ID)
	assert.Contains(t, pane, "echo hello")
	assert.Contains(t, pane, "### TASK_END:"+task.ID)

	require.NoError(t, sys.driver.Feed("backend", "COMPLETED:"+task.ID+" hello\n"))

	got := sys.waitState(t, task.ID, v1.TaskStateCompleted, 5*time.Second)
	assert.Contains(t, got.Result["text"], "hello")
	if st, ok := sys.agents.AgentStatus("backend"); assert.True(t, ok) {
		assert.Equal(t, v1.AgentStatusIdle, st)
	}
}

func TestEndToEndRetryThenSuccess(t *testing.T) {
	sys := startSystem(t, "backend")

	task := &v1.Task{Name: "flaky", Agent: "backend", TimeoutSeconds: 10, MaxRetries: 2, Payload: shellLines("flaky")}
	require.NoError(t, sys.manager.Submit(task))

	sys.waitState(t, task.ID, v1.TaskStateRunning, 2*time.Second)
	require.NoError(t, sys.driver.Feed("backend", "FAILED:"+task.ID+" transient\n"))

	got := sys.waitState(t, task.ID, v1.TaskStateRetrying, 5*time.Second)
	assert.Equal(t, 1, got.RetryCount)

	// The retry becomes visible after min(2^1, 60)s of backoff and is
	// re-delivered; the first attempt's FAILED marker is still in
	// scrollback and must not contaminate the second attempt.
	sys.waitState(t, task.ID, v1.TaskStateRunning, 10*time.Second)
	require.NoError(t, sys.driver.Feed("backend", "COMPLETED:"+task.ID+" ok\n"))

	got = sys.waitState(t, task.ID, v1.TaskStateCompleted, 5*time.Second)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.Result["text"], "ok")
}

func TestEndToEndTimeout(t *testing.T) {
	sys := startSystem(t, "backend")

	task := &v1.Task{Name: "hang", Agent: "backend", TimeoutSeconds: 1, MaxRetries: 0, Payload: shellLines("sleep 60")}
	require.NoError(t, sys.manager.Submit(task))

	got := sys.waitState(t, task.ID, v1.TaskStateFailed, 15*time.Second)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "timeout")
}

func TestEndToEndDependencyChain(t *testing.T) {
	sys := startSystem(t, "backend")

	a := &v1.Task{Name: "a", Agent: "backend", TimeoutSeconds: 10, Payload: shellLines("a")}
	require.NoError(t, sys.manager.Submit(a))
	b := &v1.Task{Name: "b", Agent: "backend", TimeoutSeconds: 10, DependsOn: []string{a.ID}, Payload: shellLines("b")}
	require.NoError(t, sys.manager.Submit(b))

	gotB, _ := sys.manager.Get(b.ID)
	assert.Equal(t, v1.TaskStateScheduled, gotB.State)

	sys.waitState(t, a.ID, v1.TaskStateRunning, 2*time.Second)
	require.NoError(t, sys.driver.Feed("backend", "COMPLETED:"+a.ID+" done\n"))
	gotA := sys.waitState(t, a.ID, v1.TaskStateCompleted, 5*time.Second)

	sys.waitState(t, b.ID, v1.TaskStateRunning, 5*time.Second)
	require.NoError(t, sys.driver.Feed("backend", "COMPLETED:"+b.ID+" done\n"))
	gotB = sys.waitState(t, b.ID, v1.TaskStateCompleted, 5*time.Second)

	require.NotNil(t, gotB.StartedAt)
	require.NotNil(t, gotA.CompletedAt)
	assert.True(t, gotB.StartedAt.After(*gotA.CompletedAt), "dependent must start after its dependency completed")
}
