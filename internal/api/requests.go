// Package api provides the REST and WebSocket boundary for the
// orchestrator: task submission/status/cancellation, workflow
// definition/execution, health, and metrics.
package api

// DefineWorkflowResponse acknowledges a stored workflow definition.
type DefineWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// ExecuteWorkflowResponse acknowledges a started workflow execution.
type ExecuteWorkflowResponse struct {
	ExecutionID string `json:"execution_id"`
}

// errorResponse is the body returned for any 4xx/5xx response.
type errorResponse struct {
	Error string `json:"error"`
}
