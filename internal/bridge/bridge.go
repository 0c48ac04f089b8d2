// Package bridge implements the Agent Bridge: one instance per agent
// that drives the Terminal Session Driver through the sentinel
// delivery protocol, reports outcomes back to the Distributed Priority
// Queue, and maintains the agent's heartbeat and status.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/breaker"
	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/appctx"
	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/constants"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/common/stringutil"
	"github.com/kandev/fleetctl/internal/errs"
	"github.com/kandev/fleetctl/internal/telemetry"
	"github.com/kandev/fleetctl/internal/terminal"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// defaultPollInterval is the pane-polling cadence used when the bridge
// configuration does not set its own.
const defaultPollInterval = 2 * time.Second

// maxOutcomeTextLength bounds the result/error text extracted from a
// captured pane; agents can echo arbitrarily long output before the
// next shell prompt.
const maxOutcomeTextLength = 4000

// ResultReporter is the narrow interface the Bridge reports terminal
// outcomes to; satisfied by *queue.Manager without importing it here.
type ResultReporter interface {
	HandleResult(result v1.TaskResult) error
}

// Bridge owns the delivery lifecycle for a single agent.
type Bridge struct {
	agentID     string
	sessionName string

	driver   terminal.PaneDriver
	eventBus bus.EventBus
	breakers *breaker.Registry
	reporter ResultReporter
	cfg      config.BridgeConfig
	log      *logger.Logger

	mu            sync.Mutex
	status        v1.AgentStatus
	currentTaskID *string
	lastHeartbeat time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Bridge and creates its backing terminal session. The
// session name equals the agent id.
func New(ctx context.Context, agentID string, driver terminal.PaneDriver, eventBus bus.EventBus, breakers *breaker.Registry, reporter ResultReporter, cfg config.BridgeConfig, log *logger.Logger) (*Bridge, error) {
	if !driver.SessionExists(agentID) {
		if err := driver.CreateSession(ctx, agentID, ""); err != nil {
			return nil, fmt.Errorf("bridge %s: %w", agentID, err)
		}
	}
	b := &Bridge{
		agentID:       agentID,
		sessionName:   agentID,
		driver:        driver,
		eventBus:      eventBus,
		breakers:      breakers,
		reporter:      reporter,
		cfg:           cfg,
		log:           log.WithFields(zap.String("component", "bridge"), zap.String("agent_id", agentID)),
		status:        v1.AgentStatusIdle,
		lastHeartbeat: time.Now(),
		stopCh:        make(chan struct{}),
	}
	b.publishEvent(bus.EventAgentStarted)
	return b, nil
}

// Status returns the agent's current reported status.
func (b *Bridge) Status() v1.AgentStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// LastHeartbeat returns the last time this bridge reported a heartbeat.
func (b *Bridge) LastHeartbeat() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHeartbeat
}

// MarkOffline forces OFFLINE status; called by the Registry's
// heartbeat-staleness sweep.
func (b *Bridge) MarkOffline() {
	b.mu.Lock()
	changed := b.status != v1.AgentStatusOffline
	b.status = v1.AgentStatusOffline
	b.mu.Unlock()
	if changed {
		b.publishEvent(bus.EventAgentOffline)
	}
}

// recover clears OFFLINE back to IDLE once heartbeats resume.
func (b *Bridge) recover() {
	b.mu.Lock()
	if b.status == v1.AgentStatusOffline {
		b.status = v1.AgentStatusIdle
	}
	b.mu.Unlock()
}

// Dispatch implements queue.Dispatcher: it delivers the task's
// sentinel-framed command synchronously, then polls for its outcome in
// a background goroutine so the scheduler loop is never blocked on a
// running task.
func (b *Bridge) Dispatch(ctx context.Context, task *v1.Task) error {
	ctx, span := telemetry.TraceTaskDispatch(ctx, task.ID, b.agentID)
	defer span.End()

	b.mu.Lock()
	if b.status == v1.AgentStatusOffline {
		b.mu.Unlock()
		err := fmt.Errorf("dispatch %s to %s: %w", task.ID, b.agentID, errs.ErrAgentOffline)
		telemetry.RecordOutcome(span, err)
		return err
	}
	b.status = v1.AgentStatusBusy
	b.currentTaskID = &task.ID
	b.mu.Unlock()

	scope := "agent:" + b.agentID
	err := b.breakers.Execute(ctx, scope, func() error {
		return b.deliver(ctx, task)
	})
	if err != nil {
		b.mu.Lock()
		b.status = v1.AgentStatusError
		b.currentTaskID = nil
		b.mu.Unlock()
		b.publishEvent(bus.EventAgentStatusChanged)
		wrapped := fmt.Errorf("deliver %s: %w", task.ID, err)
		telemetry.RecordOutcome(span, wrapped)
		return wrapped
	}

	telemetry.RecordOutcome(span, nil)
	b.wg.Add(1)
	go b.awaitOutcome(ctx, task)
	return nil
}

// deliver performs the three-step sentinel framing: START, payload
// lines, END. Each line is its own send_command so the driver's
// mandatory commit delay applies to every line.
func (b *Bridge) deliver(ctx context.Context, task *v1.Task) error {
	if err := b.driver.SendCommand(ctx, b.sessionName, startSentinel(task.ID), 0); err != nil {
		return err
	}

	switch task.Payload.Kind {
	case v1.CommandControl:
		for _, line := range task.Payload.Lines {
			if err := b.driver.SendKeys(ctx, b.sessionName, line); err != nil {
				return err
			}
		}
	default:
		for _, line := range task.Payload.Lines {
			if err := b.driver.SendCommand(ctx, b.sessionName, line, 0); err != nil {
				return err
			}
		}
	}

	return b.driver.SendCommand(ctx, b.sessionName, endSentinel(task.ID), 0)
}

// awaitOutcome polls capture_pane until a completion marker appears or
// the task's own timeout elapses; the queue's monitor loop is the
// backstop if this goroutine is ever killed mid-flight.
func (b *Bridge) awaitOutcome(ctx context.Context, task *v1.Task) {
	defer b.wg.Done()

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = constants.DefaultTaskTimeout
	}
	// Detached so the poll survives the dispatch call's own ctx while
	// still dying with the bridge's shutdown signal or the task's timeout.
	detached, cancel := appctx.Detached(ctx, b.stopCh, timeout)
	defer cancel()
	interval := b.cfg.PanePollInterval()
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-detached.Done():
			// Timeout or shutdown; the queue's monitor loop owns retry
			// accounting for the timeout failure mode. The agent itself
			// goes back to IDLE so later attempts can be delivered.
			b.mu.Lock()
			b.status = v1.AgentStatusIdle
			b.currentTaskID = nil
			b.mu.Unlock()
			return
		case <-ticker.C:
		}

		pane, err := b.driver.CapturePane(detached, b.sessionName, 200)
		if err != nil {
			if detached.Err() != nil {
				// The task deadline expired mid-capture; same handling
				// as the Done branch above.
				b.mu.Lock()
				b.status = v1.AgentStatusIdle
				b.currentTaskID = nil
				b.mu.Unlock()
				return
			}
			b.finish(task.ID, v1.TaskResult{TaskID: task.ID, Success: false, Err: strp(err.Error())})
			b.markError(err)
			return
		}

		out := scanOutcome(pane, task.ID)
		if out.found {
			result := v1.TaskResult{TaskID: task.ID, Success: out.success}
			text := stringutil.TruncateStringWithEllipsis(out.text, maxOutcomeTextLength)
			switch {
			case out.success:
				result.Output = map[string]any{"text": text}
			case out.nonRetriable:
				result.Err = strp(fmt.Errorf("%s: %w", text, errs.ErrProtocol).Error())
				result.NonRetriable = true
			default:
				result.Err = strp(text)
			}
			b.finish(task.ID, result)
			return
		}
	}
}

// finish returns the agent to IDLE and reports the attempt's outcome.
// A task-level FAILED marker is a normal outcome; only driver failures
// move the agent to ERROR (via markError).
func (b *Bridge) finish(taskID string, result v1.TaskResult) {
	b.mu.Lock()
	b.status = v1.AgentStatusIdle
	b.currentTaskID = nil
	b.mu.Unlock()

	_ = bus.PublishResult(context.Background(), b.eventBus, result)
	_ = b.reporter.HandleResult(result)
}

func (b *Bridge) markError(err error) {
	b.mu.Lock()
	b.status = v1.AgentStatusError
	b.mu.Unlock()
	b.log.Warn("agent moved to error status", zap.Error(err))
	b.publishEvent(bus.EventAgentStatusChanged)
}

// StartHeartbeat launches the periodic heartbeat publisher. Call once
// per Bridge; Stop cancels it along with outcome-polling goroutines.
func (b *Bridge) StartHeartbeat(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		interval := b.cfg.HeartbeatInterval()
		if interval <= 0 {
			interval = 5 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.heartbeat()
			}
		}
	}()
}

func (b *Bridge) heartbeat() {
	b.mu.Lock()
	b.lastHeartbeat = time.Now()
	b.mu.Unlock()
	b.recover()
	b.publishEvent(bus.EventAgentHeartbeat)
}

func (b *Bridge) publishEvent(kind string) {
	if b.eventBus == nil {
		return
	}
	b.mu.Lock()
	status := b.status
	var currentTaskID string
	if b.currentTaskID != nil {
		currentTaskID = *b.currentTaskID
	}
	b.mu.Unlock()

	_ = bus.BroadcastEvent(context.Background(), b.eventBus, kind, "bridge", map[string]any{
		"agent_id":        b.agentID,
		"status":          string(status),
		"current_task_id": currentTaskID,
		"last_heartbeat":  strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// Stop halts the heartbeat and any in-flight outcome polling and kills
// the backing terminal session.
func (b *Bridge) Stop() error {
	close(b.stopCh)
	b.wg.Wait()
	return b.driver.KillSession(b.sessionName)
}

func strp(s string) *string { return &s }
