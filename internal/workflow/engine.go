// Package workflow implements the Workflow Engine: DAG definition
// validation plus parallel, dependency-aware step execution over the
// Distributed Priority Queue.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// Submitter is the narrow queue interface the engine needs; satisfied
// by *queue.Manager without importing it directly.
type Submitter interface {
	Submit(task *v1.Task) error
	Cancel(taskID string) error
}

// run is the live, mutable state of one workflow execution: the
// remaining in-degree per step, the reverse dependency edges, and the
// task-to-step correlation the engine uses to route bus events back.
type run struct {
	mu         sync.Mutex
	exec       *v1.WorkflowExecution
	def        *v1.WorkflowDefinition
	remaining  map[string]int
	dependents map[string][]string
	taskToStep map[string]string
}

// Engine owns defined workflows and their live executions.
type Engine struct {
	mu          sync.RWMutex
	definitions map[string]*v1.WorkflowDefinition
	runs        map[string]*run

	submitter Submitter
	eventBus  bus.EventBus
	sem       *semaphore.Weighted
	log       *logger.Logger
	cfg       config.WorkflowConfig

	sub bus.Subscription
}

// NewEngine builds an Engine and subscribes it to the task lifecycle
// events it needs to drive step progression.
func NewEngine(submitter Submitter, eventBus bus.EventBus, cfg config.WorkflowConfig, log *logger.Logger) (*Engine, error) {
	maxParallel := cfg.MaxParallelSteps
	if maxParallel <= 0 {
		maxParallel = 10
	}
	e := &Engine{
		definitions: make(map[string]*v1.WorkflowDefinition),
		runs:        make(map[string]*run),
		submitter:   submitter,
		eventBus:    eventBus,
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		log:         log,
		cfg:         cfg,
	}
	if eventBus != nil {
		sub, err := eventBus.Subscribe(bus.EventSubject("task")+".>", e.onTaskEvent)
		if err != nil {
			return nil, fmt.Errorf("subscribe workflow engine: %w", err)
		}
		e.sub = sub
	}
	return e, nil
}

// Close unsubscribes the engine from the bus.
func (e *Engine) Close() error {
	if e.sub != nil {
		return e.sub.Unsubscribe()
	}
	return nil
}

// Define validates a workflow's DAG (unique step ids, known
// dependencies, no cycle) and stores it.
func (e *Engine) Define(def *v1.WorkflowDefinition) (string, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if len(def.Steps) == 0 {
		return "", fmt.Errorf("define %s: workflow has no steps: %w", def.ID, errs.ErrValidation)
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			return "", fmt.Errorf("define %s: step with empty id: %w", def.ID, errs.ErrValidation)
		}
		if seen[s.ID] {
			return "", fmt.Errorf("define %s: duplicate step id %s: %w", def.ID, s.ID, errs.ErrValidation)
		}
		seen[s.ID] = true
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return "", fmt.Errorf("define %s: step %s depends on unknown step %s: %w", def.ID, s.ID, dep, errs.ErrValidation)
			}
		}
	}
	if err := checkAcyclic(def.Steps); err != nil {
		return "", fmt.Errorf("define %s: %w", def.ID, err)
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()
	return def.ID, nil
}

// checkAcyclic runs Kahn's algorithm: if fewer steps can be peeled off
// than exist in total, a cycle remains.
func checkAcyclic(steps []v1.StepTemplate) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	for _, s := range steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		indegree[s.ID] += len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(steps) {
		return errs.ErrCyclicWorkflow
	}
	return nil
}

// Execute starts a new run of a defined workflow, submitting every
// step with in-degree 0 immediately.
func (e *Engine) Execute(workflowID string, params map[string]any) (string, error) {
	e.mu.RLock()
	def, ok := e.definitions[workflowID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("execute %s: %w", workflowID, errs.ErrNotFound)
	}

	now := time.Now()
	exec := &v1.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		State:      v1.ExecutionStateReady,
		Context:    cloneContext(params),
		Steps:      make(map[string]*v1.StepInstance, len(def.Steps)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r := &run{
		exec:       exec,
		def:        def,
		remaining:  make(map[string]int, len(def.Steps)),
		dependents: make(map[string][]string),
		taskToStep: make(map[string]string),
	}
	for _, s := range def.Steps {
		exec.Steps[s.ID] = &v1.StepInstance{StepID: s.ID, State: v1.StepInstancePending}
		r.remaining[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			r.dependents[dep] = append(r.dependents[dep], s.ID)
		}
	}

	e.mu.Lock()
	e.runs[exec.ID] = r
	e.mu.Unlock()

	r.mu.Lock()
	r.exec.State = v1.ExecutionStateRunning
	r.mu.Unlock()
	e.scheduleReady(r)
	return exec.ID, nil
}

// Status returns a snapshot of one execution.
func (e *Engine) Status(executionID string) (*v1.WorkflowExecution, bool) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec, true
}

// Cancel marks an execution CANCELLED and cancels every non-terminal
// task it has in flight; the resulting SKIPPED cascade (observed via
// bus events) finalizes the execution.
func (e *Engine) Cancel(executionID string) error {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", executionID, errs.ErrNotFound)
	}

	r.mu.Lock()
	if isExecutionTerminal(r.exec.State) {
		r.mu.Unlock()
		return nil
	}
	r.exec.State = v1.ExecutionStateCancelled
	now := time.Now()
	r.exec.UpdatedAt = now
	inFlight := make([]string, 0, len(r.taskToStep))
	for taskID := range r.taskToStep {
		inFlight = append(inFlight, taskID)
	}
	// Steps never submitted are finalized immediately; in-flight steps
	// finalize once their cancel is observed back on the bus.
	for _, inst := range r.exec.Steps {
		if inst.State == v1.StepInstancePending {
			inst.State = v1.StepInstanceSkipped
			inst.CompletedAt = &now
		}
	}
	done := e.checkTerminalLocked(r)
	r.mu.Unlock()
	if done {
		e.publishTerminal(r)
	}

	for _, taskID := range inFlight {
		if err := e.submitter.Cancel(taskID); err != nil {
			e.log.Warn("cancel in-flight step task failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

func isExecutionTerminal(s v1.ExecutionState) bool {
	return s == v1.ExecutionStateCompleted || s == v1.ExecutionStateFailed || s == v1.ExecutionStateCancelled
}

func cloneContext(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
