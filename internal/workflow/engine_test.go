package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// fakeSubmitter stands in for *queue.Manager: Submit assigns a task
// id and records it; tests drive completion by publishing bus events
// directly, the same way the real queue does.
type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []*v1.Task
	eventBus  bus.EventBus
	nextID    int
}

func newFakeSubmitter(eventBus bus.EventBus) *fakeSubmitter {
	return &fakeSubmitter{eventBus: eventBus}
}

func (f *fakeSubmitter) Submit(task *v1.Task) error {
	f.mu.Lock()
	f.nextID++
	task.ID = fakeTaskID(f.nextID)
	f.submitted = append(f.submitted, task)
	f.mu.Unlock()
	return nil
}

func (f *fakeSubmitter) Cancel(taskID string) error {
	evt := bus.NewEvent(bus.EventTaskCancelled, "test", map[string]any{"task_id": taskID})
	return f.eventBus.Publish(context.Background(), bus.EventSubject(bus.EventTaskCancelled), evt)
}

func fakeTaskID(n int) string {
	return "fake-task-" + string(rune('a'+n))
}

func (f *fakeSubmitter) complete(taskID string, output map[string]any) {
	evt := bus.NewEvent(bus.EventTaskCompleted, "test", map[string]any{"task_id": taskID, "output": output})
	_ = f.eventBus.Publish(context.Background(), bus.EventSubject(bus.EventTaskCompleted), evt)
}

func (f *fakeSubmitter) fail(taskID, errText string) {
	evt := bus.NewEvent(bus.EventTaskFailed, "test", map[string]any{"task_id": taskID, "error": errText})
	_ = f.eventBus.Publish(context.Background(), bus.EventSubject(bus.EventTaskFailed), evt)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func simpleStep(id string, deps ...string) v1.StepTemplate {
	return v1.StepTemplate{
		ID:        id,
		Name:      id,
		Agent:     "agent-1",
		Payload:   v1.Payload{Kind: v1.CommandShell, Lines: []string{"echo " + id}},
		DependsOn: deps,
	}
}

func TestDefineRejectsCycle(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	sub := newFakeSubmitter(eventBus)
	e, err := NewEngine(sub, eventBus, config.WorkflowConfig{MaxParallelSteps: 5}, testLogger(t))
	require.NoError(t, err)

	def := &v1.WorkflowDefinition{
		Name: "cyclic",
		Steps: []v1.StepTemplate{
			simpleStep("a", "b"),
			simpleStep("b", "a"),
		},
	}
	_, err = e.Define(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCyclicWorkflow)
}

func TestDefineRejectsUnknownDependency(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	sub := newFakeSubmitter(eventBus)
	e, err := NewEngine(sub, eventBus, config.WorkflowConfig{MaxParallelSteps: 5}, testLogger(t))
	require.NoError(t, err)

	def := &v1.WorkflowDefinition{Name: "bad", Steps: []v1.StepTemplate{simpleStep("a", "ghost")}}
	_, err = e.Define(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestExecuteFanOutAndCompletion(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	sub := newFakeSubmitter(eventBus)
	e, err := NewEngine(sub, eventBus, config.WorkflowConfig{MaxParallelSteps: 5}, testLogger(t))
	require.NoError(t, err)

	def := &v1.WorkflowDefinition{
		Name: "fanout",
		Steps: []v1.StepTemplate{
			simpleStep("root"),
			simpleStep("left", "root"),
			simpleStep("right", "root"),
			simpleStep("join", "left", "right"),
		},
	}
	wfID, err := e.Define(def)
	require.NoError(t, err)

	execID, err := e.Execute(wfID, map[string]any{"greeting": "hi"})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.submitted) == 1
	})
	sub.mu.Lock()
	rootTaskID := sub.submitted[0].ID
	sub.mu.Unlock()
	sub.complete(rootTaskID, nil)

	waitFor(t, time.Second, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.submitted) == 3
	})
	sub.mu.Lock()
	var leftID, rightID string
	for _, task := range sub.submitted[1:] {
		if task.Name == "left" {
			leftID = task.ID
		}
		if task.Name == "right" {
			rightID = task.ID
		}
	}
	sub.mu.Unlock()
	require.NotEmpty(t, leftID)
	require.NotEmpty(t, rightID)
	sub.complete(leftID, nil)
	sub.complete(rightID, nil)

	waitFor(t, time.Second, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.submitted) == 4
	})
	sub.mu.Lock()
	joinID := sub.submitted[3].ID
	sub.mu.Unlock()
	sub.complete(joinID, nil)

	waitFor(t, time.Second, func() bool {
		exec, ok := e.Status(execID)
		return ok && exec.State == v1.ExecutionStateCompleted
	})
}

func TestExecuteSkipsDependentsOnFailure(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	sub := newFakeSubmitter(eventBus)
	e, err := NewEngine(sub, eventBus, config.WorkflowConfig{MaxParallelSteps: 5}, testLogger(t))
	require.NoError(t, err)

	def := &v1.WorkflowDefinition{
		Name: "chain",
		Steps: []v1.StepTemplate{
			simpleStep("first"),
			simpleStep("second", "first"),
			simpleStep("third", "second"),
		},
	}
	wfID, err := e.Define(def)
	require.NoError(t, err)

	execID, err := e.Execute(wfID, nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.submitted) == 1
	})
	sub.mu.Lock()
	firstID := sub.submitted[0].ID
	sub.mu.Unlock()
	sub.fail(firstID, "boom")

	waitFor(t, 2*time.Second, func() bool {
		exec, ok := e.Status(execID)
		return ok && exec.State == v1.ExecutionStateFailed
	})

	exec, _ := e.Status(execID)
	assert.Equal(t, v1.StepInstanceFailed, exec.Steps["first"].State)
	assert.Equal(t, v1.StepInstanceSkipped, exec.Steps["second"].State)
	assert.Equal(t, v1.StepInstanceSkipped, exec.Steps["third"].State)

	sub.mu.Lock()
	submittedCount := len(sub.submitted)
	sub.mu.Unlock()
	assert.Equal(t, 1, submittedCount, "dependents of a failed step must never be submitted")
}

func TestCancelMarksPendingStepsSkipped(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	sub := newFakeSubmitter(eventBus)
	e, err := NewEngine(sub, eventBus, config.WorkflowConfig{MaxParallelSteps: 5}, testLogger(t))
	require.NoError(t, err)

	def := &v1.WorkflowDefinition{
		Name: "cancel-me",
		Steps: []v1.StepTemplate{
			simpleStep("first"),
			simpleStep("second", "first"),
		},
	}
	wfID, err := e.Define(def)
	require.NoError(t, err)

	execID, err := e.Execute(wfID, nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.submitted) == 1
	})

	require.NoError(t, e.Cancel(execID))

	waitFor(t, 2*time.Second, func() bool {
		exec, ok := e.Status(execID)
		return ok && exec.State == v1.ExecutionStateCancelled
	})

	exec, _ := e.Status(execID)
	assert.Equal(t, v1.StepInstanceSkipped, exec.Steps["second"].State)
}
