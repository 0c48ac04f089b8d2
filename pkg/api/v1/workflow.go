package v1

import "time"

// StepTemplate is one node in a workflow definition's DAG.
type StepTemplate struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Agent          string         `json:"agent"`
	Payload        Payload        `json:"payload"`
	Priority       Priority       `json:"priority"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// WorkflowDefinition is a named, versioned DAG of step templates.
type WorkflowDefinition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Steps     []StepTemplate `json:"steps"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ExecutionState is the run-level state of a workflow execution.
type ExecutionState string

const (
	ExecutionStateReady     ExecutionState = "READY"
	ExecutionStateRunning   ExecutionState = "RUNNING"
	ExecutionStateCompleted ExecutionState = "COMPLETED"
	ExecutionStateFailed    ExecutionState = "FAILED"
	ExecutionStateCancelled ExecutionState = "CANCELLED"
)

// StepInstanceState is the per-step state within one execution.
type StepInstanceState string

const (
	StepInstancePending   StepInstanceState = "PENDING"
	StepInstanceRunning   StepInstanceState = "RUNNING"
	StepInstanceCompleted StepInstanceState = "COMPLETED"
	StepInstanceFailed    StepInstanceState = "FAILED"
	StepInstanceSkipped   StepInstanceState = "SKIPPED"
)

// StepInstance is one step template's execution record within a run.
type StepInstance struct {
	StepID      string            `json:"step_id"`
	TaskID      string            `json:"task_id,omitempty"`
	State       StepInstanceState `json:"state"`
	Result      map[string]any    `json:"result,omitempty"`
	Error       *string           `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID          string                   `json:"id"`
	WorkflowID  string                   `json:"workflow_id"`
	State       ExecutionState           `json:"state"`
	Context     map[string]any           `json:"context,omitempty"`
	Steps       map[string]*StepInstance `json:"steps"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// ExecuteWorkflowRequest starts a new execution of a defined workflow.
type ExecuteWorkflowRequest struct {
	WorkflowID string         `json:"workflow_id" binding:"required"`
	Context    map[string]any `json:"context,omitempty"`
}
