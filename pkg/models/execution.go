package models

import "time"

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "pending"
	RunningExecutionStatus   ExecutionStatus = "running"
	CompletedExecutionStatus ExecutionStatus = "completed"
	FailedExecutionStatus    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is accepted from s.
func (s ExecutionStatus) Terminal() bool {
	return s == CompletedExecutionStatus || s == FailedExecutionStatus
}

// Execution is the root unit of work of a swarm run.
type Execution struct {
	ID                   string          `json:"id" db:"id"`
	TaskDescription      string          `json:"task_description" db:"task_description"`
	Status               ExecutionStatus `json:"status" db:"status"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Result               *string         `json:"result,omitempty" db:"result"`
	Error                *string         `json:"error,omitempty" db:"error"`
	UserID               string          `json:"user_id" db:"user_id"`
	ChatID               *string         `json:"chat_id,omitempty" db:"chat_id"`
	WorkspaceID          *string         `json:"workspace_id,omitempty" db:"workspace_id"`
	Config               *SwarmLimits    `json:"config,omitempty" db:"config"`   // Limits captured at creation
	TotalAgents          int             `json:"total_agents" db:"total_agents"` // Agents ever created
	TotalTasks           int             `json:"total_tasks" db:"total_tasks"`   // Tasks ever created
	TotalToolInvocations int             `json:"total_tool_invocations" db:"total_tool_invocations"`
}

// ExecutionUpdate is a partial update; nil fields are left untouched.
type ExecutionUpdate struct {
	Status      *ExecutionStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *string
	Error       *string
}

// Counter names one of the monotonically increasing execution counters.
type Counter string

const (
	AgentsCounter          Counter = "total_agents"
	TasksCounter           Counter = "total_tasks"
	ToolInvocationsCounter Counter = "total_tool_invocations"
)
