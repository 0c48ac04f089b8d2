// Package queue implements the distributed priority queue: one
// per-agent priority heap gated by task dependencies, a delayed set
// for scheduled-but-not-yet-visible tasks, and the scheduler, timeout
// monitor, and cleaner loops that drive tasks through their state
// machine.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// ErrQueueFull is returned when a per-agent queue is at max capacity.
var ErrQueueFull = fmt.Errorf("queue is full: %w", errs.ErrTransientDependency)

// ErrTaskExists is returned when a task already exists in the queue.
var ErrTaskExists = fmt.Errorf("task already exists in queue: %w", errs.ErrValidation)

// QueuedTask is one task waiting in a per-agent priority heap.
type QueuedTask struct {
	TaskID   string
	Priority v1.Priority
	QueuedAt time.Time
	Task     *v1.Task
	index    int
}

// taskHeap implements heap.Interface. Lower Priority values (CRITICAL)
// sort first; ties break on earlier QueuedAt, which is the task's
// CreatedAt (or the enqueue time when CreatedAt is unset), so a retried
// task keeps its place among same-priority tasks.
type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// TaskQueue is a single agent's priority heap.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*QueuedTask
	maxSize int
}

// NewTaskQueue creates a task queue. maxSize <= 0 means unbounded.
func NewTaskQueue(maxSize int) *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*QueuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a task to the queue.
func (q *TaskQueue) Enqueue(task *v1.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	queuedAt := task.CreatedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}
	qt := &QueuedTask{
		TaskID:   task.ID,
		Priority: task.Priority,
		QueuedAt: queuedAt,
		Task:     task,
	}
	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
	return nil
}

// Dequeue removes and returns the highest priority task, or nil if empty.
func (q *TaskQueue) Dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qt := heap.Pop(&q.heap).(*QueuedTask)
	delete(q.taskMap, qt.TaskID)
	return qt
}

// Remove removes a specific task from the queue.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Len returns the number of tasks currently queued.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// IsFull reports whether the queue is at max capacity.
func (q *TaskQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns a snapshot of all queued tasks.
func (q *TaskQueue) List() []*QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]*QueuedTask, len(q.heap))
	copy(result, q.heap)
	return result
}

// DepthByPriority returns the current queue depth broken down by
// priority, for the health collector's queue_depth gauge.
func (q *TaskQueue) DepthByPriority() map[v1.Priority]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[v1.Priority]int)
	for _, qt := range q.heap {
		out[qt.Priority]++
	}
	return out
}
