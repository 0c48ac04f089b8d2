package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/constants"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []string
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task *v1.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, task.ID)
	return nil
}

func (d *recordingDispatcher) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.dispatched {
		if s == id {
			return true
		}
	}
	return false
}

func setupManager(t *testing.T) (*Manager, *recordingDispatcher) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := config.QueueConfig{
		PollIntervalSeconds:           0.01,
		TimeoutMonitorIntervalSeconds: 0.02,
		CleanerIntervalSeconds:        3600,
		MaxRetryBackoffSeconds:        60,
	}
	eventBus := bus.NewMemoryEventBus(log)
	m := NewManager(cfg, eventBus, log, 0)
	d := newRecordingDispatcher()
	m.SetDispatcher(d)
	return m, d
}

func shellTask(id, agent string) *v1.Task {
	return &v1.Task{
		ID:             id,
		Name:           id,
		Agent:          agent,
		Priority:       v1.PriorityNormal,
		Payload:        v1.Payload{Kind: v1.CommandShell, Lines: []string{"echo hi"}},
		MaxRetries:     2,
		TimeoutSeconds: 60,
	}
}

func TestManagerSubmitAndDispatch(t *testing.T) {
	m, d := setupManager(t)
	task := shellTask("t1", "agent-a")
	require.NoError(t, m.Submit(task))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool { return d.seen("t1") }, time.Second, 5*time.Millisecond)

	got, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, v1.TaskStateRunning, got.State)
}

func TestManagerDependencyGating(t *testing.T) {
	m, d := setupManager(t)
	parent := shellTask("parent", "agent-a")
	child := shellTask("child", "agent-a")
	child.DependsOn = []string{"parent"}

	require.NoError(t, m.Submit(parent))
	require.NoError(t, m.Submit(child))

	got, _ := m.Get("child")
	assert.Equal(t, v1.TaskStateScheduled, got.State)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool { return d.seen("parent") }, time.Second, 5*time.Millisecond)
	assert.False(t, d.seen("child"))

	require.NoError(t, m.HandleResult(v1.TaskResult{TaskID: "parent", Success: true}))
	require.Eventually(t, func() bool { return d.seen("child") }, time.Second, 5*time.Millisecond)
}

func TestManagerFailedDependencySkipsChild(t *testing.T) {
	m, _ := setupManager(t)
	parent := shellTask("parent", "agent-a")
	parent.MaxRetries = 0
	child := shellTask("child", "agent-a")
	child.DependsOn = []string{"parent"}

	require.NoError(t, m.Submit(parent))
	require.NoError(t, m.Submit(child))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		p, _ := m.Get("parent")
		return p.State == v1.TaskStateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.HandleResult(v1.TaskResult{TaskID: "parent", Success: false, Err: strptr("boom")}))

	require.Eventually(t, func() bool {
		c, _ := m.Get("child")
		return c.State == v1.TaskStateSkipped
	}, time.Second, 5*time.Millisecond)
}

func TestManagerRetryBackoff(t *testing.T) {
	m, _ := setupManager(t)
	m.tasks["t1"] = shellTask("t1", "agent-a")
	m.tasks["t1"].State = v1.TaskStateRunning
	m.processing["t1"] = &processingEntry{agent: "agent-a", startedAt: time.Now(), deadline: time.Now().Add(time.Minute)}

	require.NoError(t, m.HandleResult(v1.TaskResult{TaskID: "t1", Success: false, Err: strptr("transient")}))

	got, _ := m.Get("t1")
	assert.Equal(t, v1.TaskStateRetrying, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.VisibleAt)
	assert.True(t, got.VisibleAt.After(time.Now()))
}

func TestManagerNonRetriableResultSkipsRetry(t *testing.T) {
	m, _ := setupManager(t)
	m.tasks["t1"] = shellTask("t1", "agent-a")
	m.tasks["t1"].State = v1.TaskStateRunning
	m.processing["t1"] = &processingEntry{agent: "agent-a", startedAt: time.Now(), deadline: time.Now().Add(time.Minute)}

	require.NoError(t, m.HandleResult(v1.TaskResult{TaskID: "t1", Success: false, Err: strptr("interleaved sentinel"), NonRetriable: true}))

	got, _ := m.Get("t1")
	assert.Equal(t, v1.TaskStateFailed, got.State)
	assert.Equal(t, 0, got.RetryCount)
}

func TestManagerCancel(t *testing.T) {
	m, d := setupManager(t)
	task := shellTask("t1", "agent-a")
	require.NoError(t, m.Submit(task))
	require.NoError(t, m.Cancel("t1"))

	got, _ := m.Get("t1")
	assert.Equal(t, v1.TaskStateCancelled, got.State)

	// Cancelling an already-terminal task is a no-op.
	require.NoError(t, m.Cancel("t1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	assert.False(t, d.seen("t1"))
}

func TestManagerSubmitAssignsDefaultTTL(t *testing.T) {
	m, _ := setupManager(t)
	task := shellTask("t1", "agent-a")
	require.NoError(t, m.Submit(task))

	got, _ := m.Get("t1")
	assert.Equal(t, int(constants.DefaultTaskTTL/time.Second), got.TTLSeconds)
}

func TestSweepExpiredDifferentiatesFailedFromCompleted(t *testing.T) {
	m, _ := setupManager(t)

	old := time.Now().Add(-48 * time.Hour)
	completed := shellTask("completed-old", "agent-a")
	completed.State = v1.TaskStateCompleted
	completed.TTLSeconds = int(constants.DefaultTaskTTL / time.Second)
	completed.CompletedAt = &old
	m.tasks["completed-old"] = completed

	// FAILED outlives its ttl_seconds; only the fixed retention window
	// applies to it.
	failed := shellTask("failed-recent", "agent-a")
	failed.State = v1.TaskStateFailed
	failed.TTLSeconds = int(constants.DefaultTaskTTL / time.Second)
	failed.CompletedAt = &old
	m.tasks["failed-recent"] = failed

	ancient := time.Now().Add(-8 * 24 * time.Hour)
	failedOld := shellTask("failed-old", "agent-a")
	failedOld.State = v1.TaskStateFailed
	failedOld.CompletedAt = &ancient
	m.tasks["failed-old"] = failedOld

	m.sweepExpired()

	_, ok := m.Get("completed-old")
	assert.False(t, ok, "completed task past its ttl must be evicted")
	_, ok = m.Get("failed-recent")
	assert.True(t, ok, "failed task inside the retention window must be kept")
	_, ok = m.Get("failed-old")
	assert.False(t, ok, "failed task past the retention window must be evicted")
}

func TestManagerCompleteIsIdempotent(t *testing.T) {
	m, _ := setupManager(t)
	m.tasks["t1"] = shellTask("t1", "agent-a")
	m.tasks["t1"].State = v1.TaskStateRunning
	m.processing["t1"] = &processingEntry{agent: "agent-a", startedAt: time.Now(), deadline: time.Now().Add(time.Minute)}

	res := v1.TaskResult{TaskID: "t1", Success: true, Output: map[string]any{"text": "ok"}}
	require.NoError(t, m.HandleResult(res))
	require.NoError(t, m.HandleResult(res), "same terminal result twice is a no-op")

	conflicting := v1.TaskResult{TaskID: "t1", Success: true, Output: map[string]any{"text": "different"}}
	err := m.HandleResult(conflicting)
	require.ErrorIs(t, err, errs.ErrProtocol)

	got, _ := m.Get("t1")
	assert.Equal(t, v1.TaskStateCompleted, got.State)
	assert.Equal(t, "ok", got.Result["text"])
}

func TestManagerLateFailureAfterTerminalIsDropped(t *testing.T) {
	m, _ := setupManager(t)
	m.tasks["t1"] = shellTask("t1", "agent-a")
	m.tasks["t1"].State = v1.TaskStateRunning

	require.NoError(t, m.HandleResult(v1.TaskResult{TaskID: "t1", Success: true, Output: map[string]any{"text": "ok"}}))
	require.NoError(t, m.HandleResult(v1.TaskResult{TaskID: "t1", Success: false, Err: strptr("too late")}))

	got, _ := m.Get("t1")
	assert.Equal(t, v1.TaskStateCompleted, got.State)
}

type fakeStore struct {
	mu         sync.Mutex
	tasks      map[string]*v1.Task
	queued     map[string]bool
	delayed    map[string]bool
	processing map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:      make(map[string]*v1.Task),
		queued:     make(map[string]bool),
		delayed:    make(map[string]bool),
		processing: make(map[string]bool),
	}
}

func (s *fakeStore) PushQueued(ctx context.Context, agent, taskID string, priority int, enqueuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[taskID] = true
	return nil
}

func (s *fakeStore) RemoveQueued(ctx context.Context, agent, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, taskID)
	return nil
}

func (s *fakeStore) AddDelayed(ctx context.Context, taskID string, visibleAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed[taskID] = true
	return nil
}

func (s *fakeStore) RemoveDelayed(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.delayed, taskID)
	return nil
}

func (s *fakeStore) AddProcessing(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing[taskID] = true
	return nil
}

func (s *fakeStore) RemoveProcessing(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, taskID)
	return nil
}

func (s *fakeStore) placedIn(collection map[string]bool, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collection[taskID]
}

func (s *fakeStore) SaveTask(ctx context.Context, task *v1.Task, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *fakeStore) LoadTask(ctx context.Context, id string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, context.Canceled
	}
	copied := *t
	return &copied, nil
}

func (s *fakeStore) ListActiveTasks(ctx context.Context) ([]*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Task
	for _, t := range s.tasks {
		switch t.State {
		case v1.TaskStatePending, v1.TaskStateScheduled, v1.TaskStateRunning, v1.TaskStateRetrying:
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func TestManagerRecoverReplaysPersistedTasks(t *testing.T) {
	store := newFakeStore()
	running := shellTask("was-running", "agent-a")
	running.State = v1.TaskStateRunning
	store.tasks["was-running"] = running

	done := shellTask("done", "agent-a")
	done.State = v1.TaskStateCompleted
	store.tasks["done"] = done

	gated := shellTask("gated", "agent-a")
	gated.State = v1.TaskStateScheduled
	gated.DependsOn = []string{"done"}
	store.tasks["gated"] = gated

	m, d := setupManager(t)
	m.SetStore(store)

	recovered, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	got, ok := m.Get("was-running")
	require.True(t, ok)
	assert.Equal(t, v1.TaskStatePending, got.State)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	// The gated task's dependency is already COMPLETED in the store, so
	// the scheduler promotes and dispatches both.
	require.Eventually(t, func() bool { return d.seen("was-running") && d.seen("gated") }, time.Second, 5*time.Millisecond)
}

func TestManagerMirrorsPlacementToStore(t *testing.T) {
	store := newFakeStore()
	m, _ := setupManager(t)
	m.SetStore(store)

	task := shellTask("t1", "agent-a")
	require.NoError(t, m.Submit(task))
	assert.True(t, store.placedIn(store.queued, "t1"), "submitted task must appear in queue:<agent>")

	gated := shellTask("t2", "agent-a")
	gated.DependsOn = []string{"t1"}
	require.NoError(t, m.Submit(gated))
	assert.True(t, store.placedIn(store.delayed, "t2"), "dependency-gated task must appear in delayed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return store.placedIn(store.processing, "t1") && !store.placedIn(store.queued, "t1")
	}, time.Second, 5*time.Millisecond, "dispatch must move placement from queue:<agent> to processing")

	require.NoError(t, m.HandleResult(v1.TaskResult{TaskID: "t1", Success: true}))
	assert.False(t, store.placedIn(store.processing, "t1"), "terminal task must leave processing")
}

func TestManagerUnknownCommandKindRejected(t *testing.T) {
	m, _ := setupManager(t)
	task := shellTask("t1", "agent-a")
	task.Payload.Kind = v1.CommandKind("bogus")
	err := m.Submit(task)
	assert.Error(t, err)
}
