package models

import "time"

type AgentStatus string

const (
	IdleAgentStatus      AgentStatus = "idle"
	BusyAgentStatus      AgentStatus = "busy"
	CompletedAgentStatus AgentStatus = "completed"
	FailedAgentStatus    AgentStatus = "failed"
)

func (s AgentStatus) Terminal() bool {
	return s == CompletedAgentStatus || s == FailedAgentStatus
}

// Agent is one participant of an execution.
type Agent struct {
	ID          string      `json:"id" db:"id"`
	ExecutionID string      `json:"execution_id" db:"execution_id"`
	AgentID     string      `json:"agent_id" db:"agent_id"` // External agent identity
	Role        string      `json:"role" db:"role"`
	Expertise   StringList  `json:"expertise,omitempty" db:"expertise"`
	Status      AgentStatus `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CurrentTask *string     `json:"current_task,omitempty" db:"current_task"`
}

type AgentUpdate struct {
	Status      *AgentStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	CurrentTask *string
}
