package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// SwarmLimits bounds the size and concurrency of one execution.
type SwarmLimits struct {
	MaxIterations         int `json:"max_iterations" validate:"min=1"`          // Per task
	MaxParallelAgents     int `json:"max_parallel_agents" validate:"min=1"`     // Busy agents within one execution
	MaxSwarmSize          int `json:"max_swarm_size" validate:"min=1"`          // Agents ever created per execution
	MaxActiveSwarms       int `json:"max_active_swarms" validate:"min=1"`       // Running executions engine-wide
	MaxConversationLength int `json:"max_conversation_length" validate:"min=1"` // Tasks ever created per execution
}

// DefaultSwarmLimits returns the limits used when none are configured.
func DefaultSwarmLimits() SwarmLimits {
	return SwarmLimits{
		MaxIterations:         10,
		MaxParallelAgents:     5,
		MaxSwarmSize:          10,
		MaxActiveSwarms:       3,
		MaxConversationLength: 50,
	}
}

func (l SwarmLimits) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *SwarmLimits) Scan(src any) error {
	b, err := columnBytes(src)
	if err != nil || b == nil {
		return err
	}
	return json.Unmarshal(b, l)
}

func columnBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", src)
	}
}
