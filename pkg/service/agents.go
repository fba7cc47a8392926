package service

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

// CreateAgent adds an agent to an execution, counting it against the
// execution's max swarm size.
func (e *Engine) CreateAgent(executionID, agentID, role string, expertise []string) (agent models.Agent, err error) {
	if strings.TrimSpace(agentID) == "" {
		return models.Agent{}, errors.Wrap(ErrInvalidArgument, "agent identity cannot be empty")
	}
	err = e.withTx(func(s *txScope) error {
		exec, err := requireOpenExecution(s.tx, executionID)
		if err != nil {
			return err
		}
		if err := admitAgent(e.limitsOf(exec), exec); err != nil {
			return err
		}

		agent = models.Agent{
			ID:          e.newID(),
			ExecutionID: executionID,
			AgentID:     agentID,
			Role:        role,
			Expertise:   models.StringList(expertise).Clone(),
			Status:      models.IdleAgentStatus,
			CreatedAt:   e.now(),
		}
		if err := s.tx.SaveAgent(agent); err != nil {
			return storeError(err, "save agent")
		}
		if _, err := s.tx.IncrementExecutionCounter(executionID, models.AgentsCounter); err != nil {
			return storeError(err, "increment agent counter")
		}
		e.audit.append(s.tx, models.LogEntry{
			ExecutionID: executionID,
			AgentID:     &agent.ID,
			Kind:        models.InfoLog,
			Message:     "Agent " + agentID + " joined as " + role,
			Metadata:    models.Fields{"agent_id": agentID, "role": role, "expertise": []string(agent.Expertise.Clone())},
		}, agent.CreatedAt)
		s.notify(executionID, models.AgentEntity, agent.ID, string(agent.Status))
		return nil
	})
	if err != nil {
		return models.Agent{}, err
	}
	e.logger.Infof("Created agent %s (%s) in execution %s", agent.ID, role, executionID)
	return agent, nil
}

// UpdateAgentStatus moves an agent along its state machine. Entering busy is
// bounded by the execution's max parallel agents. A non-nil currentTask
// replaces the agent's current task pointer.
func (e *Engine) UpdateAgentStatus(id string, status models.AgentStatus, currentTask *string) (agent models.Agent, err error) {
	err = e.withTx(func(s *txScope) error {
		current, err := s.tx.GetAgent(id)
		if err != nil {
			return storeError(err, "agent %s", id)
		}
		if err := checkAgentTransition(current.Status, status); err != nil {
			return err
		}
		if status == models.BusyAgentStatus && current.Status != models.BusyAgentStatus {
			exec, err := s.tx.GetExecution(current.ExecutionID)
			if err != nil {
				return storeError(err, "execution %s", current.ExecutionID)
			}
			busy, err := s.tx.CountAgentsByStatus(current.ExecutionID, models.BusyAgentStatus)
			if err != nil {
				return storeError(err, "count busy agents")
			}
			if err := admitBusyAgent(e.limitsOf(exec), current.ExecutionID, busy); err != nil {
				return err
			}
		}

		now := e.now()
		update := models.AgentUpdate{Status: &status, CurrentTask: currentTask}
		if status == models.BusyAgentStatus && current.StartedAt == nil {
			update.StartedAt = &now
		}
		if status.Terminal() && current.CompletedAt == nil {
			update.CompletedAt = &now
		}
		if err := s.tx.UpdateAgent(id, update); err != nil {
			return storeError(err, "update agent %s", id)
		}
		e.audit.append(s.tx, models.LogEntry{
			ExecutionID: current.ExecutionID,
			AgentID:     &id,
			Kind:        models.StatusUpdateLog,
			Message:     "Agent status changed to " + string(status),
			Metadata:    outcomeMetadata(string(current.Status), string(status), nil, nil),
		}, now)

		if agent, err = s.tx.GetAgent(id); err != nil {
			return storeError(err, "agent %s", id)
		}
		s.notify(current.ExecutionID, models.AgentEntity, id, string(status))
		return nil
	})
	if err != nil {
		return models.Agent{}, err
	}
	return agent, nil
}

func (e *Engine) GetAgent(id string) (models.Agent, error) {
	agent, err := e.store.GetAgent(id)
	if err != nil {
		return models.Agent{}, storeError(err, "agent %s", id)
	}
	return agent, nil
}

func (e *Engine) ListAgents(executionID string) ([]models.Agent, error) {
	agents, err := e.store.ListAgents(executionID)
	if err != nil {
		return nil, storeError(err, "list agents")
	}
	return agents, nil
}
