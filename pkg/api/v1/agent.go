package v1

import "time"

// AgentStatus is the Bridge-reported status of one agent session.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "IDLE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusError   AgentStatus = "ERROR"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// AgentRecord describes one agent roster entry and its live status.
type AgentRecord struct {
	ID            string      `json:"id"`
	SessionName   string      `json:"session_name"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID *string     `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	Load          int         `json:"load"`
	ErrorMessage  *string     `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
