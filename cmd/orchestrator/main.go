// Package main is the entry point for the fleet orchestrator service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/api"
	"github.com/kandev/fleetctl/internal/api/ws"
	"github.com/kandev/fleetctl/internal/breaker"
	"github.com/kandev/fleetctl/internal/bridge"
	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/constants"
	"github.com/kandev/fleetctl/internal/common/httpmw"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/health"
	"github.com/kandev/fleetctl/internal/queue"
	"github.com/kandev/fleetctl/internal/sidecar"
	"github.com/kandev/fleetctl/internal/telemetry"
	"github.com/kandev/fleetctl/internal/terminal"
	"github.com/kandev/fleetctl/internal/workflow"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

const gaugePollInterval = 5 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	log.Info("starting fleet orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect to the sidecar persistence store (Redis or SQLite,
	// selected by config).
	store, closeStore, err := sidecar.Provide(ctx, cfg)
	if err != nil {
		log.Fatal("failed to provision sidecar store", zap.Error(err))
	}
	defer closeStore()
	log.Info("sidecar store ready")

	// 4. Connect to the event bus. An empty NATS URL falls back to the
	// in-memory bus, the right choice for a single-process deployment.
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("event bus ready")

	// 5. Distributed priority queue.
	queueManager := queue.NewManager(cfg.Queue, eventBus, log, 0)
	queueManager.SetStore(store)

	// 6. Terminal Session Driver and per-agent bridges. The breaker
	// registry publishes circuit state transitions back onto the bus.
	driver, err := terminal.NewDriver(cfg.Terminal, log)
	if err != nil {
		log.Fatal("failed to initialize terminal driver", zap.Error(err))
	}
	breakers := breaker.NewRegistry(cfg.Breaker, func(scope string, from, to v1.BreakerState) {
		kind := bus.EventCircuitClosed
		switch to {
		case v1.BreakerOpen:
			kind = bus.EventCircuitOpened
		case v1.BreakerHalfOpen:
			kind = bus.EventCircuitHalfOpen
		}
		_ = bus.BroadcastEvent(ctx, eventBus, kind, "breaker", map[string]any{
			"scope": scope,
			"from":  string(from),
			"to":    string(to),
		})
	})
	agents := bridge.NewRegistry(driver, eventBus, breakers, queueManager, cfg.Bridge, log)
	queueManager.SetDispatcher(agents)
	agents.StartOfflineSweep(ctx)
	for _, agentID := range cfg.Agents {
		if _, err := agents.Register(ctx, agentID); err != nil {
			log.Fatal("failed to register agent", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	log.Info("agent roster registered", zap.Int("count", len(cfg.Agents)))

	// 7. Replay tasks a previous run left non-terminal, then start the
	// queue's scheduler/monitor/cleaner loops.
	if recovered, err := queueManager.Recover(ctx); err != nil {
		log.Warn("task recovery failed", zap.Error(err))
	} else if recovered > 0 {
		log.Info("recovered persisted tasks", zap.Int("count", recovered))
	}
	queueManager.Start(ctx)
	log.Info("priority queue started")

	// 8. Mirror agent status/heartbeat events into the sidecar's
	// "agent:<id>" records so other processes can observe the roster.
	if _, err := eventBus.Subscribe(bus.EventSubject("agent")+".>", func(evCtx context.Context, evt *bus.Event) error {
		agentID, _ := evt.Data["agent_id"].(string)
		if agentID == "" {
			return nil
		}
		status, _ := evt.Data["status"].(string)
		now := time.Now()
		record := &v1.AgentRecord{
			ID:            agentID,
			SessionName:   agentID,
			Status:        v1.AgentStatus(status),
			LastHeartbeat: now,
			UpdatedAt:     now,
		}
		if taskID, _ := evt.Data["current_task_id"].(string); taskID != "" {
			record.CurrentTaskID = &taskID
		}
		return store.SaveAgent(evCtx, record)
	}); err != nil {
		log.Fatal("failed to subscribe agent record mirror", zap.Error(err))
	}

	// 9. Workflow DAG engine.
	workflowEngine, err := workflow.NewEngine(queueManager, eventBus, cfg.Workflow, log)
	if err != nil {
		log.Fatal("failed to initialize workflow engine", zap.Error(err))
	}
	defer workflowEngine.Close()

	// 10. Health collector and Prometheus metrics, wired to the
	// components whose liveness and throughput it reports.
	healthCollector := health.NewCollector(log)
	healthCollector.Register("event_bus", func() health.Report {
		if eventBus.IsConnected() {
			return health.Report{Status: health.StatusHealthy}
		}
		return health.Report{Status: health.StatusUnhealthy, Message: "event bus disconnected"}
	})
	healthCollector.Register("queue", func() health.Report {
		total := 0
		for _, byPriority := range queueManager.QueueDepths() {
			for _, depth := range byPriority {
				total += depth
			}
		}
		return health.Report{Status: health.StatusHealthy, Details: map[string]any{"queued_tasks": total}}
	})
	healthCollector.Register("agents", func() health.Report {
		active := agents.ActiveAgentCount()
		if active == 0 && len(cfg.Agents) > 0 {
			return health.Report{Status: health.StatusDegraded, Message: "no active agents"}
		}
		return health.Report{Status: health.StatusHealthy, Details: map[string]any{"active_agents": active}}
	})
	healthCollector.Start()
	defer healthCollector.Stop()

	metrics := health.NewMetrics()
	if err := metrics.Subscribe(eventBus); err != nil {
		log.Fatal("failed to subscribe metrics to event bus", zap.Error(err))
	}
	defer metrics.Close()
	go pollGauges(ctx, metrics, queueManager, agents)

	// 11. WebSocket hub streaming every bus event to subscribed clients.
	wsHub, err := ws.NewHub(eventBus, log)
	if err != nil {
		log.Fatal("failed to initialize websocket hub", zap.Error(err))
	}
	defer wsHub.Close()

	// 12. HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "orchestrator"))
	router.Use(httpmw.Tracing("orchestrator"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())

	apiGroup := router.Group("/api/v1")
	api.SetupRoutes(apiGroup, queueManager, workflowEngine, agents, breakers, healthCollector, metrics, wsHub, log)
	api.SetupHealthRoutes(router, healthCollector, metrics)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start the HTTP server in the background.
	go func() {
		log.Info("http server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down fleet orchestrator")

	// 15. Graceful shutdown: stop background loops, drain the HTTP
	// server, flush telemetry.
	cancel()
	queueManager.Stop()
	agents.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown error", zap.Error(err))
	}

	log.Info("fleet orchestrator stopped")
}

func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}

func pollGauges(ctx context.Context, metrics *health.Metrics, queueManager *queue.Manager, agents *bridge.Registry) {
	ticker := time.NewTicker(gaugePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.PollGauges(queueManager, agents)
		}
	}
}
