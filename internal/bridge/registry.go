package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/breaker"
	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/errs"
	"github.com/kandev/fleetctl/internal/terminal"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// Registry owns every agent's Bridge and implements queue.Dispatcher by
// routing each task to the bridge named by task.Agent. It also runs the
// heartbeat-staleness sweep that marks agents OFFLINE.
type Registry struct {
	mu       sync.RWMutex
	bridges  map[string]*Bridge
	driver   terminal.PaneDriver
	eventBus bus.EventBus
	breakers *breaker.Registry
	reporter ResultReporter
	cfg      config.BridgeConfig
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry builds an empty bridge registry. Agents are added with
// Register as they come online.
func NewRegistry(driver terminal.PaneDriver, eventBus bus.EventBus, breakers *breaker.Registry, reporter ResultReporter, cfg config.BridgeConfig, log *logger.Logger) *Registry {
	return &Registry{
		bridges:  make(map[string]*Bridge),
		driver:   driver,
		eventBus: eventBus,
		breakers: breakers,
		reporter: reporter,
		cfg:      cfg,
		log:      log,
	}
}

// Register creates (or returns the existing) Bridge for an agent and
// starts its heartbeat loop.
func (r *Registry) Register(ctx context.Context, agentID string) (*Bridge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bridges[agentID]; ok {
		return b, nil
	}
	b, err := New(ctx, agentID, r.driver, r.eventBus, r.breakers, r.reporter, r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	b.StartHeartbeat(ctx)
	r.bridges[agentID] = b
	return b, nil
}

// Unregister stops and removes an agent's bridge.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	b, ok := r.bridges[agentID]
	if ok {
		delete(r.bridges, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Stop()
}

// Dispatch implements queue.Dispatcher.
func (r *Registry) Dispatch(ctx context.Context, task *v1.Task) error {
	r.mu.RLock()
	b, ok := r.bridges[task.Agent]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dispatch %s: unknown agent %s: %w", task.ID, task.Agent, errs.ErrAgentOffline)
	}
	return b.Dispatch(ctx, task)
}

// AgentStatus reports one agent's bridge status, for the API Adapter
// and health collector.
func (r *Registry) AgentStatus(agentID string) (v1.AgentStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[agentID]
	if !ok {
		return "", false
	}
	return b.Status(), true
}

// List reports the id and status of every registered agent, for the
// CLI's "agent list" subcommand.
func (r *Registry) List() map[string]v1.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]v1.AgentStatus, len(r.bridges))
	for id, b := range r.bridges {
		out[id] = b.Status()
	}
	return out
}

// Restart stops and re-registers an agent's bridge, recreating its
// terminal session and clearing any ERROR/OFFLINE status.
func (r *Registry) Restart(ctx context.Context, agentID string) error {
	if err := r.Unregister(agentID); err != nil {
		return fmt.Errorf("restart %s: %w", agentID, err)
	}
	if _, err := r.Register(ctx, agentID); err != nil {
		return fmt.Errorf("restart %s: %w", agentID, err)
	}
	return nil
}

// ActiveAgentCount reports how many registered agents are not OFFLINE,
// for the health collector's agents_active gauge.
func (r *Registry) ActiveAgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.bridges {
		if b.Status() != v1.AgentStatusOffline {
			n++
		}
	}
	return n
}

// StartOfflineSweep launches the background loop that marks agents
// OFFLINE once their heartbeat has gone stale for longer than
// cfg.OfflineHeartbeatTimeoutSeconds.
func (r *Registry) StartOfflineSweep(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	interval := r.cfg.OfflineTimeout() / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.sweepOffline()
			}
		}
	}()
}

func (r *Registry) sweepOffline() {
	threshold := r.cfg.OfflineTimeout()
	if threshold <= 0 {
		threshold = 30 * time.Second
	}
	now := time.Now()

	r.mu.RLock()
	bridges := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.RUnlock()

	for _, b := range bridges {
		if now.Sub(b.LastHeartbeat()) > threshold {
			b.MarkOffline()
			r.log.Warn("agent marked offline", zap.String("agent_id", b.agentID))
		}
	}
}

// Stop halts the offline sweep and every registered bridge.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	bridges := r.bridges
	r.bridges = make(map[string]*Bridge)
	r.mu.Unlock()

	for _, b := range bridges {
		_ = b.Stop()
	}
}
