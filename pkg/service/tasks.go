package service

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"
)

// CreateTask assigns a new task to an agent of the execution.
func (e *Engine) CreateTask(executionID, agentID, description string, priority int) (models.Task, error) {
	return e.createTask(executionID, agentID, description, priority, nil, nil)
}

// CreateSubtask records a task decomposed from parentTaskID in the parent's
// execution. subtaskRef links back to the decomposition proposal, if any.
func (e *Engine) CreateSubtask(parentTaskID, agentID, description string, priority int, subtaskRef *string) (models.Task, error) {
	return e.createTask("", agentID, description, priority, &parentTaskID, subtaskRef)
}

// createTask saves a task. With a parent, the execution is the parent's.
func (e *Engine) createTask(executionID, agentID, description string, priority int, parentID, subtaskRef *string) (task models.Task, err error) {
	if strings.TrimSpace(description) == "" {
		return models.Task{}, errors.Wrap(ErrInvalidArgument, "task description cannot be empty")
	}
	err = e.withTx(func(s *txScope) error {
		if parentID != nil {
			parent, err := s.tx.GetTask(*parentID)
			if err != nil {
				return storeError(err, "parent task %s", *parentID)
			}
			executionID = parent.ExecutionID
		}
		exec, err := requireOpenExecution(s.tx, executionID)
		if err != nil {
			return err
		}
		if err := requireMember(s.tx, executionID, agentID); err != nil {
			return err
		}
		limits := e.limitsOf(exec)
		if err := admitTask(limits, exec); err != nil {
			return err
		}

		task = models.Task{
			ID:            e.newID(),
			ExecutionID:   executionID,
			AgentID:       agentID,
			Description:   description,
			Status:        models.PendingTaskStatus,
			Priority:      priority,
			CreatedAt:     e.now(),
			MaxIterations: limits.MaxIterations,
			ParentTaskID:  parentID,
			SubtaskRef:    subtaskRef,
		}
		if err := s.tx.SaveTask(task); err != nil {
			return storeError(err, "save task")
		}
		if _, err := s.tx.IncrementExecutionCounter(executionID, models.TasksCounter); err != nil {
			return storeError(err, "increment task counter")
		}
		md := models.Fields{"priority": priority}
		if parentID != nil {
			md["parent_task_id"] = *parentID
		}
		e.audit.append(s.tx, models.LogEntry{
			ExecutionID: executionID,
			AgentID:     &agentID,
			TaskID:      &task.ID,
			Kind:        models.InfoLog,
			Message:     "Task created: " + description,
			Metadata:    md,
		}, task.CreatedAt)
		s.notify(executionID, models.TaskEntity, task.ID, string(task.Status))
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	e.logger.Infof("Created task %s for agent %s in execution %s", task.ID, agentID, executionID)
	return task, nil
}

// requireMember checks that the agent exists and belongs to the execution.
func requireMember(tx storage.Store, executionID, agentID string) error {
	agent, err := tx.GetAgent(agentID)
	if err != nil {
		return storeError(err, "agent %s", agentID)
	}
	if agent.ExecutionID != executionID {
		return errors.Wrapf(ErrNotFound, "agent %s in execution %s", agentID, executionID)
	}
	return nil
}

// UpdateTaskStatus moves a task along its state machine.
func (e *Engine) UpdateTaskStatus(id string, status models.TaskStatus, result, errMsg *string) (task models.Task, err error) {
	err = e.withTx(func(s *txScope) error {
		task, err = e.transitionTask(s, id, status, result, errMsg, nil)
		return err
	})
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (e *Engine) transitionTask(s *txScope, id string, status models.TaskStatus, result, errMsg *string, iterations *int) (models.Task, error) {
	current, err := s.tx.GetTask(id)
	if err != nil {
		return models.Task{}, storeError(err, "task %s", id)
	}
	if err := checkTaskTransition(current.Status, status); err != nil {
		return models.Task{}, err
	}

	now := e.now()
	update := models.TaskUpdate{Status: &status, Result: result, Error: errMsg, Iterations: iterations}
	if status == models.RunningTaskStatus && current.StartedAt == nil {
		update.StartedAt = &now
	}
	if status.Terminal() && current.CompletedAt == nil {
		update.CompletedAt = &now
	}
	if err := s.tx.UpdateTask(id, update); err != nil {
		return models.Task{}, storeError(err, "update task %s", id)
	}
	e.audit.append(s.tx, models.LogEntry{
		ExecutionID: current.ExecutionID,
		AgentID:     &current.AgentID,
		TaskID:      &id,
		Kind:        models.StatusUpdateLog,
		Message:     "Task status changed to " + string(status),
		Metadata:    outcomeMetadata(string(current.Status), string(status), result, errMsg),
	}, now)

	task, err := s.tx.GetTask(id)
	if err != nil {
		return models.Task{}, storeError(err, "task %s", id)
	}
	s.notify(current.ExecutionID, models.TaskEntity, id, string(status))
	return task, nil
}

// IncrementTaskIteration counts one more iteration of a task. Going past
// the task's max iterations fails the task: the failed task is committed and
// returned together with ErrCapacityExceeded.
func (e *Engine) IncrementTaskIteration(id string) (models.Task, error) {
	var (
		task     models.Task
		exceeded bool
	)
	err := e.withTx(func(s *txScope) error {
		current, err := s.tx.GetTask(id)
		if err != nil {
			return storeError(err, "task %s", id)
		}
		if current.Status.Terminal() {
			return errors.Wrapf(ErrInvalidTransition, "task %s is %s", id, current.Status)
		}

		next := current.Iterations + 1
		if next > current.MaxIterations {
			exceeded = true
			msg := fmt.Sprintf("max iterations (%d) exceeded", current.MaxIterations)
			task, err = e.transitionTask(s, id, models.FailedTaskStatus, nil, &msg, nil)
			return err
		}
		if err := s.tx.UpdateTask(id, models.TaskUpdate{Iterations: &next}); err != nil {
			return storeError(err, "update task %s", id)
		}
		if task, err = s.tx.GetTask(id); err != nil {
			return storeError(err, "task %s", id)
		}
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	if exceeded {
		return task, errors.Wrapf(ErrCapacityExceeded, "task %s", id)
	}
	return task, nil
}

func (e *Engine) GetTask(id string) (models.Task, error) {
	task, err := e.store.GetTask(id)
	if err != nil {
		return models.Task{}, storeError(err, "task %s", id)
	}
	return task, nil
}

// ListTasks returns the tasks of an execution in creation order.
func (e *Engine) ListTasks(executionID string) ([]models.Task, error) {
	tasks, err := e.store.ListTasks(executionID)
	if err != nil {
		return nil, storeError(err, "list tasks")
	}
	return tasks, nil
}
