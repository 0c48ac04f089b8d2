package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/fleetctl/internal/api/ws"
	"github.com/kandev/fleetctl/internal/breaker"
	"github.com/kandev/fleetctl/internal/bridge"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/health"
	"github.com/kandev/fleetctl/internal/queue"
	"github.com/kandev/fleetctl/internal/workflow"
)

// SetupRoutes registers the orchestrator's REST routes under the
// given router group and the WebSocket streaming route alongside it.
func SetupRoutes(router *gin.RouterGroup, q *queue.Manager, wf *workflow.Engine, agents *bridge.Registry, breakers *breaker.Registry, h *health.Collector, m *health.Metrics, hub *ws.Hub, log *logger.Logger) {
	handler := NewHandler(q, wf, agents, breakers, h, m, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.SubmitTask)
		tasks.GET("/:taskId", handler.GetTaskStatus)
		tasks.POST("/:taskId/cancel", handler.CancelTask)
	}

	workflows := router.Group("/workflows")
	{
		workflows.POST("", handler.DefineWorkflow)
		workflows.POST("/:workflowId/executions", handler.ExecuteWorkflow)
	}

	executions := router.Group("/executions")
	{
		executions.GET("/:executionId", handler.GetExecutionStatus)
		executions.POST("/:executionId/cancel", handler.CancelExecution)
	}

	router.GET("/agents", handler.ListAgents)
	router.GET("/agents/:agentId", handler.GetAgentStatus)
	router.POST("/agents/:agentId/restart", handler.RestartAgent)

	ws.SetupRoutes(router, ws.NewHandler(hub, log))
}

// SetupHealthRoutes registers the unauthenticated /health and /metrics
// endpoints directly on the root router, outside the /api/v1 group.
func SetupHealthRoutes(router *gin.Engine, h *health.Collector, m *health.Metrics) {
	handler := &Handler{health: h, metrics: m}
	router.GET("/health", handler.GetHealth)
	router.GET("/metrics", handler.Metrics())
}
