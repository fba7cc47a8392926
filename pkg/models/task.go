package models

import (
	"sort"
	"time"
)

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "pending"
	RunningTaskStatus   TaskStatus = "running"
	FailedTaskStatus    TaskStatus = "failed"
	CompletedTaskStatus TaskStatus = "completed"
)

func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus
}

// Task represents a unit of work assigned to one agent
type Task struct {
	ID            string     `json:"id" db:"id"`
	ExecutionID   string     `json:"execution_id" db:"execution_id"`
	AgentID       string     `json:"agent_id" db:"agent_id"`
	Description   string     `json:"description" db:"description"`
	Status        TaskStatus `json:"status" db:"status"`
	Priority      int        `json:"priority" db:"priority"` // Display ordering only, higher first
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Result        *string    `json:"result,omitempty" db:"result"`
	Error         *string    `json:"error,omitempty" db:"error"`
	Iterations    int        `json:"iterations" db:"iterations"`
	MaxIterations int        `json:"max_iterations" db:"max_iterations"`
	ParentTaskID  *string    `json:"parent_task_id,omitempty" db:"parent_task_id"`
	SubtaskRef    *string    `json:"subtask_ref,omitempty" db:"subtask_ref"` // Decomposition proposal that produced the task
}

type TaskUpdate struct {
	Status      *TaskStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *string
	Error       *string
	Iterations  *int
}

// SortTasksForDisplay orders tasks by priority, highest first, keeping
// creation order between equal priorities.
func SortTasksForDisplay(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})
}
