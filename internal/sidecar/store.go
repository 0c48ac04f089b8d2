// Package sidecar implements the orchestrator's persistent state
// layout: task and agent records keyed by id plus the queue-placement
// collections, each backed by Redis (hashes, sorted sets) or SQL
// (sqlx + dialect), selected by config.SidecarConfig.Driver.
package sidecar

import (
	"context"
	"time"

	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// Store is the persistence boundary for the orchestrator's state
// layout: "task:<id>" and "agent:<id>" records, and the queue
// placement collections "queue:<agent>" (ordered by priority then
// enqueue time), "delayed" (ordered by visibility time), and
// "processing" (the in-flight set). The in-process queue manager stays
// authoritative; it writes placement through so other processes can
// observe it, and replays the task records at startup via
// ListActiveTasks.
type Store interface {
	SaveTask(ctx context.Context, task *v1.Task, ttl time.Duration) error
	LoadTask(ctx context.Context, id string) (*v1.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// ListActiveTasks returns every persisted task whose recorded state
	// is non-terminal. The queue replays these at startup so tasks that
	// were pending or in flight when the process died are not lost.
	ListActiveTasks(ctx context.Context) ([]*v1.Task, error)

	SaveAgent(ctx context.Context, agent *v1.AgentRecord) error
	LoadAgent(ctx context.Context, id string) (*v1.AgentRecord, error)
	ListAgents(ctx context.Context) ([]*v1.AgentRecord, error)

	// queue:<agent> — ordered task ids awaiting dispatch.
	PushQueued(ctx context.Context, agent, taskID string, priority int, enqueuedAt time.Time) error
	RemoveQueued(ctx context.Context, agent, taskID string) error
	ListQueued(ctx context.Context, agent string) ([]string, error)

	// delayed — (task_id, visible_at) pairs awaiting promotion.
	AddDelayed(ctx context.Context, taskID string, visibleAt time.Time) error
	RemoveDelayed(ctx context.Context, taskID string) error
	ListDelayed(ctx context.Context) ([]string, error)

	// processing — task ids currently held by a bridge.
	AddProcessing(ctx context.Context, taskID string) error
	RemoveProcessing(ctx context.Context, taskID string) error
	ListProcessing(ctx context.Context) ([]string, error)

	Close() error
}
