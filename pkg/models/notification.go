package models

// EntityKind names the record kind a notification refers to.
type EntityKind string

const (
	ExecutionEntity      EntityKind = "execution"
	AgentEntity          EntityKind = "agent"
	TaskEntity           EntityKind = "task"
	ToolInvocationEntity EntityKind = "tool_invocation"
)

// Notification tells observers that an entity changed. It is a hint to
// re-fetch, not the state itself.
type Notification struct {
	Seq         uint64     `json:"seq"`
	ExecutionID string     `json:"execution_id"`
	Entity      EntityKind `json:"entity"`
	EntityID    string     `json:"entity_id"`
	Status      string     `json:"status"`
}
