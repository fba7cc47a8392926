package models

import "time"

type LogKind string

const (
	InfoLog         LogKind = "info"
	WarningLog      LogKind = "warning"
	ErrorLog        LogKind = "error"
	StatusUpdateLog LogKind = "status_update"
	ToolRequestLog  LogKind = "tool_request"
	ToolResultLog   LogKind = "tool_result"
)

// Valid reports whether k is one of the known log kinds.
func (k LogKind) Valid() bool {
	switch k {
	case InfoLog, WarningLog, ErrorLog, StatusUpdateLog, ToolRequestLog, ToolResultLog:
		return true
	}
	return false
}

// LogEntry is an immutable audit record of an execution.
type LogEntry struct {
	ID               string    `json:"id" db:"id"`
	ExecutionID      string    `json:"execution_id" db:"execution_id"`
	AgentID          *string   `json:"agent_id,omitempty" db:"agent_id"`
	TaskID           *string   `json:"task_id,omitempty" db:"task_id"`
	ToolInvocationID *string   `json:"tool_invocation_id,omitempty" db:"tool_invocation_id"`
	Kind             LogKind   `json:"kind" db:"kind"`
	Message          string    `json:"message" db:"message"`
	Metadata         Fields    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
