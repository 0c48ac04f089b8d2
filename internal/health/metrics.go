package health

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kandev/fleetctl/internal/bus"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// QueueDepthProvider is the narrow interface the metrics gauge poller
// needs; satisfied by *queue.Manager without importing it here.
type QueueDepthProvider interface {
	QueueDepths() map[string]map[v1.Priority]int
}

// ActiveAgentCounter is the narrow interface satisfied by
// *bridge.Registry.
type ActiveAgentCounter interface {
	ActiveAgentCount() int
}

// Metrics owns the orchestrator's Prometheus collectors: the counters
// and histograms spec.md §4.6 names, updated from task/agent lifecycle
// events on the bus, and the gauges, refreshed on a short poll loop
// against the queue and bridge registry.
type Metrics struct {
	registry *prometheus.Registry

	tasksSubmitted  prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	tasksRetried    prometheus.Counter
	tasksCancelled  prometheus.Counter
	heartbeatMisses prometheus.Counter

	taskDuration *prometheus.HistogramVec
	queueWait    *prometheus.HistogramVec

	queueDepth   *prometheus.GaugeVec
	agentsActive prometheus.Gauge

	sub bus.Subscription
}

// NewMetrics builds and registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		tasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_submitted_total",
			Help: "Total tasks submitted to the queue.",
		}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_completed_total",
			Help: "Total tasks that reached COMPLETED.",
		}),
		tasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_failed_total",
			Help: "Total tasks that reached FAILED.",
		}),
		tasksRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_retried_total",
			Help: "Total retry attempts scheduled.",
		}),
		tasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_cancelled_total",
			Help: "Total tasks that reached CANCELLED.",
		}),
		heartbeatMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_heartbeat_misses_total",
			Help: "Total times an agent's heartbeat was found stale by the offline sweep.",
		}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_task_duration_seconds",
			Help:    "Task execution duration from submit to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		queueWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_queue_wait_seconds",
			Help:    "Time a task spent queued before dispatch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Current queue depth by agent and priority.",
		}, []string{"agent", "priority"}),
		agentsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_agents_active",
			Help: "Number of agents not currently OFFLINE.",
		}),
	}
}

// Handler returns the standard Prometheus text-exposition HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe wires the counters and histograms to the bus's task
// lifecycle fanout, the same wildcard subject the workflow engine
// subscribes to.
func (m *Metrics) Subscribe(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(bus.EventSubject("task")+".>", m.onTaskEvent)
	if err != nil {
		return err
	}
	m.sub = sub

	agentSub, err := eventBus.Subscribe(bus.EventSubject("agent")+".>", m.onAgentEvent)
	if err != nil {
		return err
	}
	m.sub = multiSub{m.sub, agentSub}
	return nil
}

// Close unsubscribes from the bus.
func (m *Metrics) Close() error {
	if m.sub != nil {
		return m.sub.Unsubscribe()
	}
	return nil
}

func (m *Metrics) onTaskEvent(_ context.Context, evt *bus.Event) error {
	switch evt.Type {
	case bus.EventTaskCreated:
		m.tasksSubmitted.Inc()
	case bus.EventTaskCompleted:
		m.tasksCompleted.Inc()
		m.observeTimings(evt)
	case bus.EventTaskFailed:
		m.tasksFailed.Inc()
		m.observeTimings(evt)
	case bus.EventTaskCancelled:
		m.tasksCancelled.Inc()
	case bus.EventTaskStateChanged:
		if state, _ := evt.Data["state"].(string); state == string(v1.TaskStateRetrying) {
			m.tasksRetried.Inc()
		}
	}
	return nil
}

// observeTimings records the duration and queue-wait histograms from
// the timing data the queue stamps onto terminal task events.
func (m *Metrics) observeTimings(evt *bus.Event) {
	agent, _ := evt.Data["agent"].(string)
	if agent == "" {
		return
	}
	if d, ok := evt.Data["duration_seconds"].(float64); ok {
		m.taskDuration.WithLabelValues(agent).Observe(d)
	}
	if w, ok := evt.Data["queue_wait_seconds"].(float64); ok {
		m.queueWait.WithLabelValues(agent).Observe(w)
	}
}

func (m *Metrics) onAgentEvent(_ context.Context, evt *bus.Event) error {
	if evt.Type == bus.EventAgentOffline {
		m.heartbeatMisses.Inc()
	}
	return nil
}

// PollGauges refreshes queue_depth and agents_active from live state.
// Call on a short interval (a few seconds) from cmd/orchestrator.
func (m *Metrics) PollGauges(queue QueueDepthProvider, agents ActiveAgentCounter) {
	m.queueDepth.Reset()
	for agent, byPriority := range queue.QueueDepths() {
		for priority, depth := range byPriority {
			m.queueDepth.WithLabelValues(agent, priority.String()).Set(float64(depth))
		}
	}
	m.agentsActive.Set(float64(agents.ActiveAgentCount()))
}

// multiSub fans Unsubscribe out across more than one subscription.
type multiSub []bus.Subscription

func (m multiSub) Unsubscribe() error {
	var firstErr error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multiSub) IsValid() bool {
	for _, s := range m {
		if s != nil && s.IsValid() {
			return true
		}
	}
	return false
}
