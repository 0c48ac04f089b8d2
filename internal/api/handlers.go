package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/breaker"
	"github.com/kandev/fleetctl/internal/bridge"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/health"
	"github.com/kandev/fleetctl/internal/queue"
	"github.com/kandev/fleetctl/internal/workflow"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// Handler contains the HTTP handlers for the orchestrator's API
// boundary: task, workflow, agent, health and metrics endpoints.
type Handler struct {
	queue     *queue.Manager
	workflows *workflow.Engine
	agents    *bridge.Registry
	breakers  *breaker.Registry
	health    *health.Collector
	metrics   *health.Metrics
	log       *logger.Logger
}

// NewHandler builds an API handler wired to the orchestrator's
// running components.
func NewHandler(q *queue.Manager, wf *workflow.Engine, agents *bridge.Registry, breakers *breaker.Registry, h *health.Collector, m *health.Metrics, log *logger.Logger) *Handler {
	return &Handler{
		queue:     q,
		workflows: wf,
		agents:    agents,
		breakers:  breakers,
		health:    h,
		metrics:   m,
		log:       log.WithFields(zap.String("component", "api")),
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), errorResponse{Error: err.Error()})
}

func toTaskStatusResponse(t *v1.Task) v1.TaskStatus {
	resp := v1.TaskStatus{
		TaskID:      t.ID,
		Name:        t.Name,
		Agent:       t.Agent,
		State:       string(t.State),
		Priority:    t.Priority.String(),
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		Result:      t.Result,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Error != nil {
		resp.Error = *t.Error
	}
	return resp
}

// SubmitTask admits a new task into the priority queue.
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	task := &v1.Task{
		Name:           req.Name,
		Agent:          req.Agent,
		Payload:        req.Payload,
		Priority:       req.Priority,
		DependsOn:      req.DependsOn,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		TTLSeconds:     req.TTLSeconds,
		Metadata:       req.Metadata,
	}

	if err := h.queue.Submit(task); err != nil {
		h.log.Error("submit task failed", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, toTaskStatusResponse(task))
}

// GetTaskStatus reports a task's current state.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	task, ok := h.queue.Get(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "task not found: " + taskID})
		return
	}
	c.JSON(http.StatusOK, toTaskStatusResponse(task))
}

// CancelTask cancels a task from any non-terminal state.
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.queue.Cancel(taskID); err != nil {
		h.log.Error("cancel task failed", zap.String("task_id", taskID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "state": string(v1.TaskStateCancelled)})
}

// DefineWorkflow stores a new workflow definition.
// POST /api/v1/workflows
func (h *Handler) DefineWorkflow(c *gin.Context) {
	var def v1.WorkflowDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	id, err := h.workflows.Define(&def)
	if err != nil {
		h.log.Error("define workflow failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, DefineWorkflowResponse{WorkflowID: id})
}

// ExecuteWorkflow starts a new execution of a defined workflow.
// POST /api/v1/workflows/:workflowId/executions
func (h *Handler) ExecuteWorkflow(c *gin.Context) {
	workflowID := c.Param("workflowId")

	var req v1.ExecuteWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = v1.ExecuteWorkflowRequest{}
	}

	executionID, err := h.workflows.Execute(workflowID, req.Context)
	if err != nil {
		h.log.Error("execute workflow failed", zap.String("workflow_id", workflowID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ExecuteWorkflowResponse{ExecutionID: executionID})
}

// GetExecutionStatus reports a workflow execution's current state,
// including every step instance's status.
// GET /api/v1/executions/:executionId
func (h *Handler) GetExecutionStatus(c *gin.Context) {
	executionID := c.Param("executionId")
	exec, ok := h.workflows.Status(executionID)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "execution not found: " + executionID})
		return
	}
	c.JSON(http.StatusOK, exec)
}

// CancelExecution cancels a running workflow execution.
// POST /api/v1/executions/:executionId/cancel
func (h *Handler) CancelExecution(c *gin.Context) {
	executionID := c.Param("executionId")
	if err := h.workflows.Cancel(executionID); err != nil {
		h.log.Error("cancel execution failed", zap.String("execution_id", executionID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": executionID, "state": string(v1.ExecutionStateCancelled)})
}

// ListAgents reports the id and status of every registered agent.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	statuses := h.agents.List()
	out := make([]gin.H, 0, len(statuses))
	for id, status := range statuses {
		out = append(out, gin.H{"agent_id": id, "status": string(status)})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// GetAgentStatus reports a single agent's bridge status.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgentStatus(c *gin.Context) {
	agentID := c.Param("agentId")
	status, ok := h.agents.AgentStatus(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "agent not found: " + agentID})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id": agentID,
		"status":   string(status),
		"breaker":  h.breakers.Status("agent:" + agentID),
	})
}

// RestartAgent stops and re-registers an agent's bridge.
// POST /api/v1/agents/:agentId/restart
func (h *Handler) RestartAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.agents.Restart(c.Request.Context(), agentID); err != nil {
		h.log.Error("restart agent failed", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err)
		return
	}
	status, _ := h.agents.AgentStatus(agentID)
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "status": string(status)})
}

// GetHealth reports the aggregated health of every registered
// component.
// GET /health
func (h *Handler) GetHealth(c *gin.Context) {
	agg := h.health.Aggregate()
	status := http.StatusOK
	if agg.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, agg)
}

// Metrics exposes the Prometheus scrape endpoint.
// GET /metrics
func (h *Handler) Metrics() gin.HandlerFunc {
	handler := h.metrics.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
