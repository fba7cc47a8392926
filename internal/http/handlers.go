package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/service"
)

type createExecutionRequest struct {
	TaskDescription string              `json:"task_description" binding:"required"`
	UserID          string              `json:"user_id"`
	ChatID          *string             `json:"chat_id"`
	WorkspaceID     *string             `json:"workspace_id"`
	Limits          *models.SwarmLimits `json:"limits"`
}

type statusRequest struct {
	Status string  `json:"status" binding:"required"`
	Result *string `json:"result"`
	Error  *string `json:"error"`
}

type createAgentRequest struct {
	AgentID   string   `json:"agent_id" binding:"required"`
	Role      string   `json:"role"`
	Expertise []string `json:"expertise"`
}

type agentStatusRequest struct {
	Status      string  `json:"status" binding:"required"`
	CurrentTask *string `json:"current_task"`
}

type createTaskRequest struct {
	AgentID     string  `json:"agent_id" binding:"required"`
	Description string  `json:"description" binding:"required"`
	Priority    int     `json:"priority"`
	SubtaskRef  *string `json:"subtask_ref"`
}

type createToolInvocationRequest struct {
	AgentID    string        `json:"agent_id" binding:"required"`
	ToolName   string        `json:"tool_name" binding:"required"`
	Arguments  models.Fields `json:"arguments"`
	ApprovalID *string       `json:"approval_id"`
	TaskID     *string       `json:"task_id"`
	ProviderID *string       `json:"provider_id"`
}

type approvalRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

type toolStatusRequest struct {
	Status            string  `json:"status" binding:"required"`
	Result            *string `json:"result"`
	Error             *string `json:"error"`
	ExecutionDuration *int64  `json:"execution_duration"`
}

type addLogRequest struct {
	Kind             string        `json:"kind" binding:"required"`
	Message          string        `json:"message" binding:"required"`
	AgentID          *string       `json:"agent_id"`
	TaskID           *string       `json:"task_id"`
	ToolInvocationID *string       `json:"tool_invocation_id"`
	Metadata         models.Fields `json:"metadata"`
}

func (s *Server) listExecutions(c *gin.Context) {
	execs, err := s.engine.ListExecutions(c.Query("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) createExecution(c *gin.Context) {
	var req createExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	exec, err := s.engine.CreateExecution(service.NewExecution{
		TaskDescription: req.TaskDescription,
		UserID:          req.UserID,
		ChatID:          req.ChatID,
		WorkspaceID:     req.WorkspaceID,
		Limits:          req.Limits,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.engine.GetExecution(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) snapshot(c *gin.Context) {
	snap, err := s.engine.Snapshot(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) updateExecutionStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	exec, err := s.engine.UpdateExecutionStatus(c.Param("id"), models.ExecutionStatus(req.Status), req.Result, req.Error)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) purgeExecution(c *gin.Context) {
	if err := s.engine.PurgeExecution(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.engine.ListAgents(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	agent, err := s.engine.CreateAgent(c.Param("id"), req.AgentID, req.Role, req.Expertise)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.engine.GetAgent(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) updateAgentStatus(c *gin.Context) {
	var req agentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	agent, err := s.engine.UpdateAgentStatus(c.Param("id"), models.AgentStatus(req.Status), req.CurrentTask)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// listTasks returns tasks in creation order, or by priority with ?order=priority.
func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.engine.ListTasks(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if c.Query("order") == "priority" {
		models.SortTasksForDisplay(tasks)
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.engine.CreateTask(c.Param("id"), req.AgentID, req.Description, req.Priority)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) createSubtask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.engine.CreateSubtask(c.Param("id"), req.AgentID, req.Description, req.Priority, req.SubtaskRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.engine.GetTask(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) updateTaskStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.engine.UpdateTaskStatus(c.Param("id"), models.TaskStatus(req.Status), req.Result, req.Error)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) incrementIteration(c *gin.Context) {
	task, err := s.engine.IncrementTaskIteration(c.Param("id"))
	if errors.Is(err, service.ErrCapacityExceeded) && task.ID != "" {
		// The task was failed and committed; return it with the error.
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "task": task})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) listToolInvocations(c *gin.Context) {
	invs, err := s.engine.ListToolInvocations(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invs)
}

func (s *Server) createToolInvocation(c *gin.Context) {
	var req createToolInvocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := s.engine.CreateToolInvocation(service.NewToolInvocation{
		ExecutionID: c.Param("id"),
		AgentID:     req.AgentID,
		ToolName:    req.ToolName,
		Arguments:   req.Arguments,
		ApprovalID:  req.ApprovalID,
		TaskID:      req.TaskID,
		ProviderID:  req.ProviderID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (s *Server) getToolInvocation(c *gin.Context) {
	inv, err := s.engine.GetToolInvocation(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) approveToolInvocation(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := s.engine.ApproveToolExecution(c.Param("id"), *req.Approved)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) updateToolStatus(c *gin.Context) {
	var req toolStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := s.engine.UpdateToolExecutionStatus(c.Param("id"), models.ToolStatus(req.Status), service.ToolOutcome{
		Result:     req.Result,
		Error:      req.Error,
		DurationMs: req.ExecutionDuration,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) listLogs(c *gin.Context) {
	logs, err := s.engine.ListLogs(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// addLog accepts an entry for an existing execution. The write itself is
// best effort, so the response does not confirm persistence.
func (s *Server) addLog(c *gin.Context) {
	var req addLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	if _, err := s.engine.GetExecution(id); err != nil {
		respondError(c, err)
		return
	}
	s.engine.AddLog(id, models.LogKind(req.Kind), req.Message, service.LogRefs{
		AgentID:          req.AgentID,
		TaskID:           req.TaskID,
		ToolInvocationID: req.ToolInvocationID,
		Metadata:         req.Metadata,
	})
	c.Status(http.StatusAccepted)
}
