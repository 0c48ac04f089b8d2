// Package bus provides event bus abstractions for the orchestrator.
package bus

import "fmt"

// Subject prefixes for the three delivery semantics the bus exposes:
// tasks.<agent> and results.<task_id> are directed (single consumer
// group), events.> is fanout (every subscriber gets every event).
const (
	subjectTasksPrefix   = "tasks"
	subjectResultsPrefix = "results"
	subjectEventsPrefix  = "events"
)

// TaskSubject returns the directed subject an agent's bridge consumes
// from, e.g. "tasks.claude-1".
func TaskSubject(agent string) string {
	return fmt.Sprintf("%s.%s", subjectTasksPrefix, agent)
}

// ResultSubject returns the directed subject a task's requester
// listens on for a terminal result, e.g. "results.task-42".
func ResultSubject(taskID string) string {
	return fmt.Sprintf("%s.%s", subjectResultsPrefix, taskID)
}

// EventsWildcard returns the fanout subscription pattern used by any
// observer that wants every lifecycle event.
func EventsWildcard() string {
	return subjectEventsPrefix + ".>"
}

// EventSubject returns the concrete fanout subject for one event kind,
// e.g. "events.task.state_changed".
func EventSubject(kind string) string {
	return fmt.Sprintf("%s.%s", subjectEventsPrefix, kind)
}

// Event kinds published on the events.> fanout subject.
const (
	EventTaskCreated      = "task.created"
	EventTaskStateChanged = "task.state_changed"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventTaskCancelled    = "task.cancelled"

	EventAgentStarted       = "agent.started"
	EventAgentHeartbeat     = "agent.heartbeat"
	EventAgentStatusChanged = "agent.status_changed"
	EventAgentOffline       = "agent.offline"

	EventWorkflowStarted       = "workflow.started"
	EventWorkflowStepCompleted = "workflow.step_completed"
	EventWorkflowStepSkipped   = "workflow.step_skipped"
	EventWorkflowCompleted     = "workflow.completed"
	EventWorkflowFailed        = "workflow.failed"

	EventCircuitOpened   = "circuit.opened"
	EventCircuitHalfOpen = "circuit.half_open"
	EventCircuitClosed   = "circuit.closed"
)
