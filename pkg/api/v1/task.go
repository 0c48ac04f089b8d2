package v1

import "time"

// Priority orders tasks within the distributed priority queue. Lower
// values are scheduled first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// String renders the priority using its wire name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// TaskState is the task's position in its state machine.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateScheduled TaskState = "SCHEDULED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCancelled TaskState = "CANCELLED"
	TaskStateRetrying  TaskState = "RETRYING"
	TaskStateSkipped   TaskState = "SKIPPED"
)

// CommandKind tags the shape of a task's payload.
type CommandKind string

const (
	// CommandShell is a single shell line committed into the pane.
	CommandShell CommandKind = "shell"
	// CommandPrompt is a multi-line agent prompt committed as one unit.
	CommandPrompt CommandKind = "prompt"
	// CommandControl is raw control keys sent without a commit keystroke.
	CommandControl CommandKind = "control"
)

// Payload is the typed command a task asks an agent to run.
type Payload struct {
	Kind   CommandKind    `json:"kind"`
	Lines  []string       `json:"lines"`
	Params map[string]any `json:"params,omitempty"`
}

// Task is a unit of work routed through the priority queue to an agent.
type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Agent          string         `json:"agent"`
	Payload        Payload        `json:"payload"`
	Priority       Priority       `json:"priority"`
	State          TaskState      `json:"state"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	MaxRetries     int            `json:"max_retries"`
	RetryCount     int            `json:"retry_count"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	TTLSeconds     int            `json:"ttl_seconds,omitempty"`
	VisibleAt      *time.Time     `json:"visible_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// SubmitTaskRequest is the API Adapter's task submission boundary.
type SubmitTaskRequest struct {
	Name           string         `json:"name" binding:"required"`
	Agent          string         `json:"agent" binding:"required"`
	Payload        Payload        `json:"payload" binding:"required"`
	Priority       Priority       `json:"priority"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	TTLSeconds     int            `json:"ttl_seconds,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is the task-status wire shape the API boundary returns,
// shared by the orchestrator's handlers and the fleetctl client.
type TaskStatus struct {
	TaskID      string         `json:"task_id"`
	Name        string         `json:"name"`
	Agent       string         `json:"agent"`
	State       string         `json:"state"`
	Priority    string         `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TaskResult is what a Bridge reports back to the queue for one attempt.
type TaskResult struct {
	TaskID  string         `json:"task_id"`
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Err     *string        `json:"error,omitempty"`
	// NonRetriable marks a failure the queue must not retry — a
	// protocol violation in the pane delivery channel itself (an
	// interleaved or malformed sentinel), where re-dispatching the
	// same task to the same agent would just reproduce the failure.
	NonRetriable bool `json:"non_retriable,omitempty"`
}
