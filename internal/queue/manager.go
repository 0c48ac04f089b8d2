package queue

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/constants"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// Dispatcher hands a ready task to its agent. Implemented by the
// Agent Bridge; kept as an interface here so the queue never imports
// the bridge package directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *v1.Task) error
}

// delayedEntry is a task waiting for a future visibility time or for
// its dependencies to complete.
type delayedEntry struct {
	task      *v1.Task
	visibleAt time.Time
}

// processingEntry tracks one in-flight attempt for timeout enforcement.
type processingEntry struct {
	agent     string
	startedAt time.Time
	deadline  time.Time
}

// Manager is the distributed priority queue: per-agent heaps, a
// dependency/delay gate, an in-flight set for timeout enforcement,
// and the background loops that drive tasks through their state
// machine.
type Manager struct {
	mu sync.RWMutex

	cfg        config.QueueConfig
	log        *logger.Logger
	bus        bus.EventBus
	dispatcher Dispatcher
	store      Store

	queues     map[string]*TaskQueue
	tasks      map[string]*v1.Task
	delayed    map[string]*delayedEntry
	processing map[string]*processingEntry

	maxQueueSize int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu2     sync.Mutex // guards started/stopped transitions
	started bool
}

// NewManager builds a queue manager. dispatcher may be nil until
// SetDispatcher is called (useful to break the Manager/Bridge
// construction cycle during wiring).
func NewManager(cfg config.QueueConfig, eventBus bus.EventBus, log *logger.Logger, maxQueueSize int) *Manager {
	return &Manager{
		cfg:          cfg,
		log:          log,
		bus:          eventBus,
		queues:       make(map[string]*TaskQueue),
		tasks:        make(map[string]*v1.Task),
		delayed:      make(map[string]*delayedEntry),
		processing:   make(map[string]*processingEntry),
		maxQueueSize: maxQueueSize,
		stopCh:       make(chan struct{}),
	}
}

// SetDispatcher wires the Agent Bridge that receives dispatched tasks.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// SetStore wires a persistence sidecar. When set, every state
// transition is mirrored to Store.SaveTask so a restart can recover
// in-flight task state from "task:<id>".
func (m *Manager) SetStore(s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = s
}

// Store is the narrow persistence interface the queue needs; it is
// satisfied by internal/sidecar.Store without importing that package
// here and risking an import cycle with sidecar-adjacent packages.
// Besides the task records, it carries the queue:<agent>/delayed/
// processing placement collections the manager writes through on every
// transition.
type Store interface {
	SaveTask(ctx context.Context, task *v1.Task, ttl time.Duration) error
	LoadTask(ctx context.Context, id string) (*v1.Task, error)
	ListActiveTasks(ctx context.Context) ([]*v1.Task, error)

	PushQueued(ctx context.Context, agent, taskID string, priority int, enqueuedAt time.Time) error
	RemoveQueued(ctx context.Context, agent, taskID string) error
	AddDelayed(ctx context.Context, taskID string, visibleAt time.Time) error
	RemoveDelayed(ctx context.Context, taskID string) error
	AddProcessing(ctx context.Context, taskID string) error
	RemoveProcessing(ctx context.Context, taskID string) error
}

// The mirror helpers write the manager's live placement through to the
// sidecar collections, best-effort: the in-process structures stay
// authoritative and a store error only logs.

func (m *Manager) mirrorQueued(task *v1.Task) {
	if m.store == nil {
		return
	}
	if err := m.store.PushQueued(context.Background(), task.Agent, task.ID, int(task.Priority), task.CreatedAt); err != nil {
		m.log.Warn("mirror queue placement failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (m *Manager) mirrorDelayed(taskID string, visibleAt time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.AddDelayed(context.Background(), taskID, visibleAt); err != nil {
		m.log.Warn("mirror delayed placement failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (m *Manager) mirrorDispatched(task *v1.Task) {
	if m.store == nil {
		return
	}
	ctx := context.Background()
	if err := m.store.RemoveQueued(ctx, task.Agent, task.ID); err != nil {
		m.log.Warn("mirror dequeue failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := m.store.AddProcessing(ctx, task.ID); err != nil {
		m.log.Warn("mirror processing placement failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// mirrorCleared removes a task from every placement collection, for
// terminal transitions and delayed-set promotions.
func (m *Manager) mirrorCleared(task *v1.Task) {
	if m.store == nil {
		return
	}
	ctx := context.Background()
	_ = m.store.RemoveQueued(ctx, task.Agent, task.ID)
	_ = m.store.RemoveDelayed(ctx, task.ID)
	_ = m.store.RemoveProcessing(ctx, task.ID)
}

// Recover replays non-terminal tasks persisted by a previous run: an
// attempt that died with the process is requeued as PENDING, while
// scheduled and retrying tasks keep their visibility gates. Call once,
// before Start.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return 0, nil
	}

	tasks, err := m.store.ListActiveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	recovered := 0
	for _, task := range tasks {
		if _, exists := m.tasks[task.ID]; exists {
			continue
		}
		// Pull terminal dependencies back in as well, so the dependency
		// gate can observe their completion.
		for _, dep := range task.DependsOn {
			if _, ok := m.tasks[dep]; ok {
				continue
			}
			if dt, err := m.store.LoadTask(ctx, dep); err == nil {
				m.tasks[dep] = dt
			}
		}
		if task.State == v1.TaskStateRunning {
			// The attempt died with the previous process; the retry
			// accounting for it belongs to the next attempt.
			task.State = v1.TaskStatePending
			task.StartedAt = nil
			_ = m.store.RemoveProcessing(ctx, task.ID)
		}
		m.tasks[task.ID] = task

		now := time.Now()
		switch {
		case len(task.DependsOn) > 0 && !m.dependenciesSatisfied(task):
			task.State = v1.TaskStateScheduled
			m.delayed[task.ID] = &delayedEntry{task: task, visibleAt: now}
			m.mirrorDelayed(task.ID, now)
		case task.VisibleAt != nil && task.VisibleAt.After(now):
			m.delayed[task.ID] = &delayedEntry{task: task, visibleAt: *task.VisibleAt}
			m.mirrorDelayed(task.ID, *task.VisibleAt)
		default:
			_ = m.enqueueLocked(task)
		}
		recovered++
	}
	return recovered, nil
}

func (m *Manager) queueFor(agent string) *TaskQueue {
	q, ok := m.queues[agent]
	if !ok {
		q = NewTaskQueue(m.maxQueueSize)
		m.queues[agent] = q
	}
	return q
}

// Submit admits a new task. Tasks with unmet dependencies are held in
// the delayed set until the scheduler loop observes all dependencies
// completed.
func (m *Manager) Submit(task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Payload.Kind != v1.CommandShell && task.Payload.Kind != v1.CommandPrompt && task.Payload.Kind != v1.CommandControl {
		return fmt.Errorf("submit %s: unknown command kind %q: %w", task.ID, task.Payload.Kind, errs.ErrValidation)
	}
	if task.Agent == "" {
		return fmt.Errorf("submit %s: agent is required: %w", task.ID, errs.ErrValidation)
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.State = v1.TaskStatePending
	if task.TTLSeconds <= 0 {
		task.TTLSeconds = int(constants.DefaultTaskTTL / time.Second)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("submit %s: %w", task.ID, ErrTaskExists)
	}
	m.tasks[task.ID] = task
	m.publish(bus.EventTaskCreated, task)

	if len(task.DependsOn) > 0 {
		task.State = v1.TaskStateScheduled
		m.delayed[task.ID] = &delayedEntry{task: task, visibleAt: now}
		m.mirrorDelayed(task.ID, now)
		return nil
	}
	if task.VisibleAt != nil && task.VisibleAt.After(now) {
		task.State = v1.TaskStateScheduled
		m.delayed[task.ID] = &delayedEntry{task: task, visibleAt: *task.VisibleAt}
		m.mirrorDelayed(task.ID, *task.VisibleAt)
		return nil
	}

	return m.enqueueLocked(task)
}

// enqueueLocked pushes a ready task onto its agent's heap. Caller
// holds m.mu.
func (m *Manager) enqueueLocked(task *v1.Task) error {
	q := m.queueFor(task.Agent)
	if err := q.Enqueue(task); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	task.State = v1.TaskStatePending
	task.UpdatedAt = time.Now()
	m.mirrorQueued(task)
	m.publish(bus.EventTaskStateChanged, task)
	return nil
}

// Get returns the current, tracked state of a task.
func (m *Manager) Get(taskID string) (*v1.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// Cancel moves a task to CANCELLED from any non-terminal state and
// removes it from whichever structure currently holds it.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", taskID, errs.ErrNotFound)
	}
	if isTerminal(task.State) {
		return nil
	}

	if q, ok := m.queues[task.Agent]; ok {
		q.Remove(taskID)
	}
	delete(m.delayed, taskID)
	delete(m.processing, taskID)
	m.mirrorCleared(task)

	task.State = v1.TaskStateCancelled
	task.UpdatedAt = time.Now()
	m.publish(bus.EventTaskCancelled, task)
	m.cascadeDependents(task)
	return nil
}

// HandleResult applies a Bridge-reported terminal outcome for one
// attempt: success completes the task; failure retries with
// exponential backoff until max_retries is exhausted, then fails it.
// A result marked NonRetriable (a bridge-detected protocol violation)
// skips straight to FAILED regardless of retries remaining.
func (m *Manager) HandleResult(result v1.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[result.TaskID]
	if !ok {
		return fmt.Errorf("handle result %s: %w", result.TaskID, errs.ErrNotFound)
	}
	delete(m.processing, result.TaskID)
	if m.store != nil {
		_ = m.store.RemoveProcessing(context.Background(), result.TaskID)
	}

	if isTerminal(task.State) {
		// Terminal states are terminal, and each task emits exactly one
		// result event. Re-reporting the same completion is a no-op; a
		// conflicting completion is a protocol violation. Late failure
		// reports lost the race to a timeout or cancel and are dropped.
		if task.State == v1.TaskStateCompleted && result.Success && !reflect.DeepEqual(task.Result, result.Output) {
			return fmt.Errorf("handle result %s: conflicting result for completed task: %w", result.TaskID, errs.ErrProtocol)
		}
		return nil
	}

	now := time.Now()
	if result.Success {
		task.State = v1.TaskStateCompleted
		task.Result = result.Output
		task.CompletedAt = &now
		task.UpdatedAt = now
		m.publish(bus.EventTaskCompleted, task)
		m.cascadeDependents(task)
		return nil
	}

	task.Error = result.Err
	if result.NonRetriable || task.RetryCount >= task.MaxRetries {
		task.State = v1.TaskStateFailed
		task.CompletedAt = &now
		task.UpdatedAt = now
		m.publish(bus.EventTaskFailed, task)
		m.cascadeDependents(task)
		return nil
	}

	task.RetryCount++
	task.State = v1.TaskStateRetrying
	task.UpdatedAt = now
	backoff := m.backoffFor(task.RetryCount)
	visibleAt := now.Add(backoff)
	task.VisibleAt = &visibleAt
	m.delayed[task.ID] = &delayedEntry{task: task, visibleAt: visibleAt}
	m.mirrorDelayed(task.ID, visibleAt)
	m.publish(bus.EventTaskStateChanged, task)
	return nil
}

// backoffFor computes min(2^n, MaxRetryBackoffSeconds) seconds.
func (m *Manager) backoffFor(attempt int) time.Duration {
	max := m.cfg.MaxRetryBackoffSeconds
	if max <= 0 {
		max = int(constants.MaxRetryBackoff / time.Second)
	}
	seconds := math.Pow(2, float64(attempt))
	if seconds > float64(max) {
		seconds = float64(max)
	}
	return time.Duration(seconds * float64(time.Second))
}

// cascadeDependents walks tasks depending on a just-terminal task: a
// COMPLETED dependency may unblock dependents (handled by the
// scheduler's promotion pass); a FAILED or CANCELLED dependency
// SKIPs every transitive dependent. Caller holds m.mu.
func (m *Manager) cascadeDependents(finished *v1.Task) {
	if finished.State != v1.TaskStateFailed && finished.State != v1.TaskStateCancelled {
		return
	}
	now := time.Now()
	for _, t := range m.tasks {
		if isTerminal(t.State) {
			continue
		}
		for _, dep := range t.DependsOn {
			if dep == finished.ID {
				delete(m.delayed, t.ID)
				if q, ok := m.queues[t.Agent]; ok {
					q.Remove(t.ID)
				}
				m.mirrorCleared(t)
				t.State = v1.TaskStateSkipped
				t.CompletedAt = &now
				t.UpdatedAt = now
				m.publish(bus.EventTaskStateChanged, t)
				m.cascadeDependents(t)
				break
			}
		}
	}
}

func (m *Manager) dependenciesSatisfied(task *v1.Task) bool {
	for _, dep := range task.DependsOn {
		dt, ok := m.tasks[dep]
		if !ok || dt.State != v1.TaskStateCompleted {
			return false
		}
	}
	return true
}

func isTerminal(s v1.TaskState) bool {
	switch s {
	case v1.TaskStateCompleted, v1.TaskStateFailed, v1.TaskStateCancelled, v1.TaskStateSkipped:
		return true
	}
	return false
}

// QueueDepths reports the current per-agent, per-priority queue depth
// for the health collector's queue_depth gauge.
func (m *Manager) QueueDepths() map[string]map[v1.Priority]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[v1.Priority]int, len(m.queues))
	for agent, q := range m.queues {
		out[agent] = q.DepthByPriority()
	}
	return out
}

func (m *Manager) publish(eventKind string, task *v1.Task) {
	if m.store != nil {
		ttl := time.Duration(task.TTLSeconds) * time.Second
		if task.State == v1.TaskStateFailed {
			ttl = constants.FailedTaskRetention
		}
		_ = m.store.SaveTask(context.Background(), task, ttl)
	}
	data := map[string]any{
		"task_id": task.ID,
		"agent":   task.Agent,
		"state":   string(task.State),
	}
	if task.Result != nil {
		data["result"] = task.Result
	}
	if task.Error != nil {
		data["error"] = *task.Error
	}
	if task.CompletedAt != nil {
		data["duration_seconds"] = task.CompletedAt.Sub(task.CreatedAt).Seconds()
	}
	if task.StartedAt != nil {
		data["queue_wait_seconds"] = task.StartedAt.Sub(task.CreatedAt).Seconds()
	}
	_ = bus.BroadcastEvent(context.Background(), m.bus, eventKind, "queue", data)
}
