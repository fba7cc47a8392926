package storage

import (
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

// ErrNotFound is returned when a record with the requested id does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the persistence contract of the swarm engine. Begin returns a
// Store scoped to one transaction; all writes made through it become visible
// together on Commit and are discarded on Rollback. List methods return rows
// ordered by creation time.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Execution operations
	SaveExecution(e models.Execution) error
	GetExecution(id string) (models.Execution, error)
	ListExecutions(userID string) ([]models.Execution, error)
	UpdateExecution(id string, u models.ExecutionUpdate) error
	IncrementExecutionCounter(id string, counter models.Counter) (int, error)
	CountExecutionsByStatus(status models.ExecutionStatus) (int, error)
	// DeleteExecution removes the execution and every record it owns.
	DeleteExecution(id string) error

	// Agent operations
	SaveAgent(a models.Agent) error
	GetAgent(id string) (models.Agent, error)
	ListAgents(executionID string) ([]models.Agent, error)
	UpdateAgent(id string, u models.AgentUpdate) error
	CountAgentsByStatus(executionID string, status models.AgentStatus) (int, error)

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	ListTasks(executionID string) ([]models.Task, error)
	ListTasksByStatus(status models.TaskStatus) ([]models.Task, error)
	UpdateTask(id string, u models.TaskUpdate) error

	// Tool invocation operations
	SaveToolInvocation(t models.ToolInvocation) error
	GetToolInvocation(id string) (models.ToolInvocation, error)
	ListToolInvocations(executionID string) ([]models.ToolInvocation, error)
	UpdateToolInvocation(id string, u models.ToolInvocationUpdate) error

	// Audit log operations
	AddLog(entry models.LogEntry) error
	ListLogs(executionID string) ([]models.LogEntry, error)
}
