package service

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

var limitsValidator = validator.New()

func validateLimits(l models.SwarmLimits) error {
	if err := limitsValidator.Struct(l); err != nil {
		return errors.Wrapf(ErrInvalidArgument, "swarm limits: %v", err)
	}
	return nil
}

// Admission checks. Each one fails fast instead of queuing the request.

func admitAgent(l models.SwarmLimits, exec models.Execution) error {
	if exec.TotalAgents >= l.MaxSwarmSize {
		return errors.Wrapf(ErrCapacityExceeded, "execution %s reached max swarm size %d", exec.ID, l.MaxSwarmSize)
	}
	return nil
}

func admitTask(l models.SwarmLimits, exec models.Execution) error {
	if exec.TotalTasks >= l.MaxConversationLength {
		return errors.Wrapf(ErrCapacityExceeded, "execution %s reached max conversation length %d", exec.ID, l.MaxConversationLength)
	}
	return nil
}

func admitBusyAgent(l models.SwarmLimits, executionID string, busy int) error {
	if busy >= l.MaxParallelAgents {
		return errors.Wrapf(ErrCapacityExceeded, "execution %s already has %d busy agents", executionID, busy)
	}
	return nil
}

func admitActiveSwarm(l models.SwarmLimits, running int) error {
	if running >= l.MaxActiveSwarms {
		return errors.Wrapf(ErrCapacityExceeded, "%d executions already running", running)
	}
	return nil
}
