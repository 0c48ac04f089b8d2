package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/constants"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// Start launches the scheduler, timeout monitor, and cleaner loops.
// It is safe to call once; a second call is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu2.Lock()
	if m.started {
		m.mu2.Unlock()
		return
	}
	m.started = true
	m.mu2.Unlock()

	m.wg.Add(3)
	go m.schedulerLoop(ctx)
	go m.monitorLoop(ctx)
	go m.cleanerLoop(ctx)
}

// Stop signals every loop to exit and waits for them to finish.
func (m *Manager) Stop() {
	m.mu2.Lock()
	if !m.started {
		m.mu2.Unlock()
		return
	}
	m.started = false
	m.mu2.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// schedulerLoop promotes delayed tasks whose visibility time has
// arrived and whose dependencies are satisfied, then dispatches the
// highest-priority ready task per agent.
func (m *Manager) schedulerLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.promoteReady()
			m.dispatchReady(ctx)
		}
	}
}

// promoteReady moves delayed tasks into their agent's heap once they
// are visible and dependency-satisfied.
func (m *Manager) promoteReady() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, entry := range m.delayed {
		if entry.visibleAt.After(now) {
			continue
		}
		if !m.dependenciesSatisfied(entry.task) {
			continue
		}
		delete(m.delayed, id)
		if m.store != nil {
			_ = m.store.RemoveDelayed(context.Background(), id)
		}
		_ = m.enqueueLocked(entry.task)
	}
}

// dispatchReady hands the top task of every agent queue to the
// Dispatcher, moving it into the in-flight set with a deadline.
func (m *Manager) dispatchReady(ctx context.Context) {
	m.mu.Lock()
	if m.dispatcher == nil {
		m.mu.Unlock()
		return
	}
	type attempt struct {
		task *v1.Task
	}
	var ready []attempt
	for _, q := range m.queues {
		if qt := q.Dequeue(); qt != nil {
			ready = append(ready, attempt{task: qt.Task})
		}
	}
	for _, a := range ready {
		timeout := time.Duration(a.task.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = constants.DefaultTaskTimeout
		}
		now := time.Now()
		a.task.State = v1.TaskStateRunning
		a.task.StartedAt = &now
		a.task.UpdatedAt = now
		m.processing[a.task.ID] = &processingEntry{
			agent:     a.task.Agent,
			startedAt: now,
			deadline:  now.Add(timeout),
		}
		m.mirrorDispatched(a.task)
	}
	dispatcher := m.dispatcher
	m.mu.Unlock()

	for _, a := range ready {
		if err := dispatcher.Dispatch(ctx, a.task); err != nil {
			m.log.Warn("task dispatch failed", zap.String("task_id", a.task.ID), zap.Error(err))
			m.HandleResult(v1.TaskResult{TaskID: a.task.ID, Success: false, Err: strptr(err.Error())})
			continue
		}
		_ = bus.PublishTask(ctx, m.bus, a.task)
	}
}

// monitorLoop fails any in-flight task whose deadline has passed.
func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.TimeoutMonitorInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkTimeouts()
		}
	}
}

func (m *Manager) checkTimeouts() {
	now := time.Now()
	var timedOut []string
	m.mu.RLock()
	for id, entry := range m.processing {
		if entry.deadline.Before(now) {
			timedOut = append(timedOut, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range timedOut {
		m.HandleResult(v1.TaskResult{TaskID: id, Success: false, Err: strptr("task timeout")})
	}
}

// cleanerLoop garbage-collects terminal tasks past their TTL.
func (m *Manager) cleanerLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.CleanerInterval()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
			m.sweepStore()
		}
	}
}

// sweepStore runs the SQL backend's expired-row eviction, since SQL
// has no native per-row TTL. The Redis backend expires records itself
// and exposes no Sweep.
func (m *Manager) sweepStore() {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()

	sweeper, ok := store.(interface{ Sweep(ctx context.Context) error })
	if !ok {
		return
	}
	if err := sweeper.Sweep(context.Background()); err != nil {
		m.log.Warn("sidecar sweep failed", zap.Error(err))
	}
}

// sweepExpired evicts COMPLETED (and other non-FAILED terminal) tasks
// past their ttl_seconds, and FAILED tasks past the longer fixed
// retention window kept for postmortem inspection.
func (m *Manager) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, task := range m.tasks {
		if !isTerminal(task.State) || task.CompletedAt == nil {
			continue
		}
		retention := time.Duration(task.TTLSeconds) * time.Second
		if retention <= 0 {
			retention = constants.DefaultTaskTTL
		}
		if task.State == v1.TaskStateFailed {
			retention = constants.FailedTaskRetention
		}
		if now.Sub(*task.CompletedAt) > retention {
			delete(m.tasks, id)
		}
	}
}

func strptr(s string) *string { return &s }
