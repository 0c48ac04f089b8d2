// Package bus implements the Message Bus: directed per-agent task
// delivery, directed per-task result delivery, and a fanout
// lifecycle-event feed, all carried over one pluggable pub/sub
// transport (in-memory for a single process, NATS across many).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// Event is one message carried on the bus: a task delivery, a result
// delivery, or a fanout lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Service that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

// PublishTask mirrors a queued task onto the directed subject its
// agent's bridge feed lives on ("tasks.<agent>"). The queue always
// dispatches synchronously in-process through the Dispatcher
// interface; this gives anything else subscribed to an agent's task
// feed — a UI panel, an audit sink — the same notification.
func PublishTask(ctx context.Context, b EventBus, task *v1.Task) error {
	if b == nil {
		return nil
	}
	evt := NewEvent(EventTaskCreated, "queue", map[string]any{
		"task_id":  task.ID,
		"agent":    task.Agent,
		"priority": task.Priority.String(),
	})
	return b.Publish(ctx, TaskSubject(task.Agent), evt)
}

// PublishResult mirrors a bridge-reported terminal outcome onto the
// directed subject ("results.<task_id>") a requester waiting on that
// specific task listens on.
func PublishResult(ctx context.Context, b EventBus, result v1.TaskResult) error {
	if b == nil {
		return nil
	}
	kind := EventTaskCompleted
	data := map[string]any{"task_id": result.TaskID, "success": result.Success}
	if !result.Success {
		kind = EventTaskFailed
		if result.Err != nil {
			data["error"] = *result.Err
		}
	}
	return b.Publish(ctx, ResultSubject(result.TaskID), NewEvent(kind, "bridge", data))
}

// BroadcastEvent fans a lifecycle event of the given kind out to
// every subscriber on the events.> wildcard. get_task_status,
// get_agent_status and update_agent_status are not bus operations in
// this deployment: task and agent records live authoritatively in the
// queue manager and the bridge registry of the single orchestrator
// process, so those are plain method calls, not subjects.
func BroadcastEvent(ctx context.Context, b EventBus, kind, source string, data map[string]any) error {
	if b == nil {
		return nil
	}
	return b.Publish(ctx, EventSubject(kind), NewEvent(kind, source, data))
}
