package models

import "time"

type ToolStatus string

const (
	PendingToolStatus   ToolStatus = "pending"
	ApprovedToolStatus  ToolStatus = "approved"
	DeniedToolStatus    ToolStatus = "denied"
	ExecutingToolStatus ToolStatus = "executing"
	CompletedToolStatus ToolStatus = "completed"
	FailedToolStatus    ToolStatus = "failed"
)

func (s ToolStatus) Terminal() bool {
	return s == DeniedToolStatus || s == CompletedToolStatus || s == FailedToolStatus
}

// ToolInvocation is a request to run a named external tool for an agent.
type ToolInvocation struct {
	ID                string     `json:"id" db:"id"`
	ExecutionID       string     `json:"execution_id" db:"execution_id"`
	AgentID           string     `json:"agent_id" db:"agent_id"`
	TaskID            *string    `json:"task_id,omitempty" db:"task_id"`
	ToolName          string     `json:"tool_name" db:"tool_name"`
	Arguments         Fields     `json:"arguments,omitempty" db:"arguments"`
	ApprovalID        *string    `json:"approval_id,omitempty" db:"approval_id"` // External approval-request reference
	Status            ToolStatus `json:"status" db:"status"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty" db:"approved_at"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ExecutionDuration *int64     `json:"execution_duration,omitempty" db:"execution_duration"` // Milliseconds, as reported
	Result            *string    `json:"result,omitempty" db:"result"`
	Error             *string    `json:"error,omitempty" db:"error"`
	ProviderID        *string    `json:"provider_id,omitempty" db:"provider_id"`
	HumanApproved     bool       `json:"human_approved" db:"human_approved"`
}

type ToolInvocationUpdate struct {
	Status            *ToolStatus
	ApprovedAt        *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ExecutionDuration *int64
	Result            *string
	Error             *string
	HumanApproved     *bool
}
