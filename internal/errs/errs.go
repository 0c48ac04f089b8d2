// Package errs holds the sentinel error values shared across the
// orchestrator's components, so callers can classify failures with
// errors.Is regardless of which package produced them.
package errs

import "errors"

var (
	// ErrTransientDependency marks a failure the caller should retry:
	// a bus publish that timed out, a sidecar store briefly unreachable.
	ErrTransientDependency = errors.New("transient dependency error")

	// ErrTaskTimeout marks a task that exceeded its configured timeout
	// while RUNNING.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrAgentOffline marks an operation addressed to an agent whose
	// bridge has missed its heartbeat deadline.
	ErrAgentOffline = errors.New("agent offline")

	// ErrCircuitOpen marks a call rejected by an open circuit breaker
	// without being attempted.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrValidation marks a caller error: malformed payload, unknown
	// command kind, missing dependency.
	ErrValidation = errors.New("validation error")

	// ErrProtocol marks a non-retriable failure caused by a malformed
	// or interleaved sentinel in the terminal stream.
	ErrProtocol = errors.New("protocol error")

	// ErrInternal marks a failure that is this service's own bug, not
	// a caller or dependency problem.
	ErrInternal = errors.New("internal error")

	// ErrNotFound marks a lookup against an id that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCyclicWorkflow marks a workflow definition whose step graph
	// contains a dependency cycle.
	ErrCyclicWorkflow = errors.New("workflow definition contains a cycle")
)
