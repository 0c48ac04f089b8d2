// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// MinCommitDelay is the floor the Terminal Session Driver enforces
	// between writing command text and writing the commit keystroke.
	MinCommitDelay = 100 * time.Millisecond

	// DefaultTaskTimeout applies when a submitted task does not specify
	// its own timeout_seconds.
	DefaultTaskTimeout = 10 * time.Minute

	// MaxRetryBackoff caps the exponential retry backoff computed as
	// min(2^n, MaxRetryBackoff) seconds.
	MaxRetryBackoff = 60 * time.Second

	// DefaultTaskTTL is how long a COMPLETED task is retained when the
	// submitter did not set ttl_seconds.
	DefaultTaskTTL = 24 * time.Hour

	// FailedTaskRetention is how long FAILED tasks are retained before
	// the cleaner evicts them, regardless of ttl_seconds.
	FailedTaskRetention = 7 * 24 * time.Hour

	// ShutdownGracePeriod is how long graceful shutdown waits for
	// in-flight tasks and HTTP requests to finish.
	ShutdownGracePeriod = 30 * time.Second
)
