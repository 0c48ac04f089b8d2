package v1

import "time"

// BreakerState mirrors the classic closed/open/half-open circuit states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerStatus reports one scope's breaker for observability.
type CircuitBreakerStatus struct {
	Scope        string       `json:"scope"`
	State        BreakerState `json:"state"`
	Failures     int          `json:"failures"`
	Successes    int          `json:"successes"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	LastChangeAt time.Time    `json:"last_change_at"`
}

