package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/telemetry"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// scheduleReady submits every PENDING step whose in-degree is
// currently zero. Substitution against the execution's context
// happens here, at submit time, not at Define time.
func (e *Engine) scheduleReady(r *run) {
	r.mu.Lock()
	ready := make([]v1.StepTemplate, 0)
	for _, s := range r.def.Steps {
		inst := r.exec.Steps[s.ID]
		if inst.State == v1.StepInstancePending && r.remaining[s.ID] == 0 {
			ready = append(ready, s)
		}
	}
	ctxSnapshot := cloneContext(r.exec.Context)
	r.mu.Unlock()

	for _, step := range ready {
		e.submitStep(r, step, ctxSnapshot)
	}
}

// submitStep resolves ${key} placeholders against the execution
// context and submits the step's task. It blocks on the engine's
// worker-pool semaphore so no more than MaxParallelSteps steps are
// ever in flight at once across all executions.
func (e *Engine) submitStep(r *run, step v1.StepTemplate, ctxSnapshot map[string]any) {
	// context.Background() never cancels, so this only ever blocks
	// until a slot frees up; it does not fail.
	_ = e.sem.Acquire(context.Background(), 1)

	_, span := telemetry.TraceWorkflowStep(context.Background(), r.exec.ID, step.ID)
	defer span.End()

	task := &v1.Task{
		Name:    step.Name,
		Agent:   step.Agent,
		Payload: substitutePayload(step.Payload, ctxSnapshot),
		// Every workflow step queues at HIGH regardless of the step
		// template's own priority field; a running execution must not
		// stall behind unrelated ad hoc tasks on a busy agent.
		Priority:       v1.PriorityHigh,
		MaxRetries:     step.MaxRetries,
		TimeoutSeconds: step.TimeoutSeconds,
		CorrelationID:  r.exec.ID + ":" + step.ID,
	}

	r.mu.Lock()
	inst := r.exec.Steps[step.ID]
	inst.State = v1.StepInstanceRunning
	started := time.Now()
	inst.StartedAt = &started
	r.exec.UpdatedAt = started
	r.mu.Unlock()

	if err := e.submitter.Submit(task); err != nil {
		telemetry.RecordOutcome(span, err)
		e.log.Error("workflow step submit failed", zap.String("execution_id", r.exec.ID), zap.String("step_id", step.ID), zap.Error(err))
		e.failStep(r, step.ID, err.Error())
		return
	}
	telemetry.RecordOutcome(span, nil)

	r.mu.Lock()
	inst.TaskID = task.ID
	r.taskToStep[task.ID] = step.ID
	r.mu.Unlock()
}

// substitutePayload resolves ${key} placeholders in a step's payload
// lines against the execution context. An unresolved placeholder is
// left as-is.
func substitutePayload(p v1.Payload, ctx map[string]any) v1.Payload {
	out := v1.Payload{Kind: p.Kind, Params: p.Params}
	out.Lines = make([]string, len(p.Lines))
	for i, line := range p.Lines {
		out.Lines[i] = substitute(line, ctx)
	}
	return out
}

func substitute(text string, ctx map[string]any) string {
	if !strings.Contains(text, "${") {
		return text
	}
	var b strings.Builder
	for {
		start := strings.Index(text, "${")
		if start == -1 {
			b.WriteString(text)
			break
		}
		end := strings.Index(text[start:], "}")
		if end == -1 {
			b.WriteString(text)
			break
		}
		end += start
		key := text[start+2 : end]
		b.WriteString(text[:start])
		if v, ok := ctx[key]; ok {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			b.WriteString(text[start : end+1])
		}
		text = text[end+1:]
	}
	return b.String()
}

// onTaskEvent correlates a queue-published task lifecycle event back
// to the workflow step that submitted it.
func (e *Engine) onTaskEvent(ctx context.Context, evt *bus.Event) error {
	taskID, _ := evt.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}

	e.mu.RLock()
	var owner *run
	for _, r := range e.runs {
		r.mu.Lock()
		if _, ok := r.taskToStep[taskID]; ok {
			owner = r
		}
		r.mu.Unlock()
		if owner != nil {
			break
		}
	}
	e.mu.RUnlock()
	if owner == nil {
		return nil
	}

	switch evt.Type {
	case bus.EventTaskCompleted:
		e.onStepCompleted(owner, taskID, evt)
	case bus.EventTaskFailed:
		e.onStepFailed(owner, taskID, evt)
	case bus.EventTaskCancelled:
		e.onStepSkipped(owner, taskID)
	case bus.EventTaskStateChanged:
		if state, _ := evt.Data["state"].(string); state == string(v1.TaskStateSkipped) {
			e.onStepSkipped(owner, taskID)
		}
	}
	return nil
}

func (e *Engine) onStepCompleted(r *run, taskID string, evt *bus.Event) {
	r.mu.Lock()
	stepID, ok := r.taskToStep[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.taskToStep, taskID)
	inst := r.exec.Steps[stepID]
	now := time.Now()
	inst.State = v1.StepInstanceCompleted
	inst.CompletedAt = &now
	r.exec.Context["step_"+stepID+"_result"] = evt.Data
	r.exec.UpdatedAt = now

	dependents := r.dependents[stepID]
	for _, dep := range dependents {
		r.remaining[dep]--
	}
	done := e.checkTerminalLocked(r)
	r.mu.Unlock()
	e.sem.Release(1)

	if !done {
		e.scheduleReady(r)
	} else {
		e.publishTerminal(r)
	}
}

func (e *Engine) onStepFailed(r *run, taskID string, evt *bus.Event) {
	r.mu.Lock()
	stepID, ok := r.taskToStep[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}
	errText, _ := evt.Data["error"].(string)
	e.failStep(r, stepID, errText)
}

func (e *Engine) failStep(r *run, stepID, errText string) {
	r.mu.Lock()
	delete(r.taskToStep, r.exec.Steps[stepID].TaskID)
	inst := r.exec.Steps[stepID]
	now := time.Now()
	inst.State = v1.StepInstanceFailed
	inst.CompletedAt = &now
	if errText != "" {
		inst.Error = &errText
	}
	r.exec.UpdatedAt = now

	toSkip := e.collectDependentsLocked(r, stepID)
	for _, dep := range toSkip {
		di := r.exec.Steps[dep]
		if di.State == v1.StepInstancePending || di.State == v1.StepInstanceRunning {
			di.State = v1.StepInstanceSkipped
			di.CompletedAt = &now
		}
	}

	anyProgressPossible := false
	for _, s := range r.def.Steps {
		if r.exec.Steps[s.ID].State == v1.StepInstancePending && r.remaining[s.ID] == 0 {
			anyProgressPossible = true
			break
		}
	}
	done := e.checkTerminalLocked(r)
	r.mu.Unlock()
	e.sem.Release(1)

	if !done {
		if anyProgressPossible {
			e.scheduleReady(r)
		}
	} else {
		e.publishTerminal(r)
	}
}

func (e *Engine) onStepSkipped(r *run, taskID string) {
	r.mu.Lock()
	stepID, ok := r.taskToStep[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.taskToStep, taskID)
	inst := r.exec.Steps[stepID]
	now := time.Now()
	if inst.State == v1.StepInstancePending || inst.State == v1.StepInstanceRunning {
		inst.State = v1.StepInstanceSkipped
		inst.CompletedAt = &now
	}
	r.exec.UpdatedAt = now
	done := e.checkTerminalLocked(r)
	r.mu.Unlock()
	e.sem.Release(1)

	if done {
		e.publishTerminal(r)
	}
}

// collectDependentsLocked returns every transitive dependent of a
// step. Caller holds r.mu.
func (e *Engine) collectDependentsLocked(r *run, stepID string) []string {
	var out []string
	var visit func(id string)
	visited := make(map[string]bool)
	visit = func(id string) {
		for _, dep := range r.dependents[id] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			out = append(out, dep)
			visit(dep)
		}
	}
	visit(stepID)
	return out
}

// checkTerminalLocked finalizes the execution's state once every step
// has reached a terminal state, and reports whether it did. Caller
// holds r.mu.
func (e *Engine) checkTerminalLocked(r *run) bool {
	if r.exec.State == v1.ExecutionStateCancelled {
		for _, inst := range r.exec.Steps {
			if !stepTerminal(inst.State) {
				return false
			}
		}
		now := time.Now()
		r.exec.CompletedAt = &now
		r.exec.UpdatedAt = now
		return true
	}

	failed := false
	for _, inst := range r.exec.Steps {
		if !stepTerminal(inst.State) {
			return false
		}
		if inst.State == v1.StepInstanceFailed || inst.State == v1.StepInstanceSkipped {
			failed = true
		}
	}

	now := time.Now()
	r.exec.CompletedAt = &now
	r.exec.UpdatedAt = now
	if failed {
		r.exec.State = v1.ExecutionStateFailed
	} else {
		r.exec.State = v1.ExecutionStateCompleted
	}
	return true
}

func stepTerminal(s v1.StepInstanceState) bool {
	switch s {
	case v1.StepInstanceCompleted, v1.StepInstanceFailed, v1.StepInstanceSkipped:
		return true
	}
	return false
}

func (e *Engine) publishTerminal(r *run) {
	if e.eventBus == nil {
		return
	}
	r.mu.Lock()
	state := r.exec.State
	id := r.exec.ID
	r.mu.Unlock()

	kind := bus.EventWorkflowCompleted
	if state == v1.ExecutionStateFailed {
		kind = bus.EventWorkflowFailed
	}
	_ = bus.BroadcastEvent(context.Background(), e.eventBus, kind, "workflow", map[string]any{
		"execution_id": id,
		"state":        string(state),
	})
}
