package service

import (
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

var executionEdges = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.PendingExecutionStatus: {models.PendingExecutionStatus, models.RunningExecutionStatus, models.FailedExecutionStatus},
	models.RunningExecutionStatus: {models.RunningExecutionStatus, models.CompletedExecutionStatus, models.FailedExecutionStatus},
}

var agentEdges = map[models.AgentStatus][]models.AgentStatus{
	models.IdleAgentStatus: {models.IdleAgentStatus, models.BusyAgentStatus, models.CompletedAgentStatus, models.FailedAgentStatus},
	models.BusyAgentStatus: {models.BusyAgentStatus, models.IdleAgentStatus, models.CompletedAgentStatus, models.FailedAgentStatus},
}

var taskEdges = map[models.TaskStatus][]models.TaskStatus{
	models.PendingTaskStatus: {models.PendingTaskStatus, models.RunningTaskStatus, models.FailedTaskStatus},
	models.RunningTaskStatus: {models.RunningTaskStatus, models.CompletedTaskStatus, models.FailedTaskStatus},
}

// Tool invocations leave pending only through an approval decision.
var toolEdges = map[models.ToolStatus][]models.ToolStatus{
	models.ApprovedToolStatus:  {models.ExecutingToolStatus, models.FailedToolStatus},
	models.ExecutingToolStatus: {models.CompletedToolStatus, models.FailedToolStatus},
}

func allowed[S comparable](edges map[S][]S, from, to S) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func known[S comparable](edges map[S][]S, s S) bool {
	if _, ok := edges[s]; ok {
		return true
	}
	for _, targets := range edges {
		for _, t := range targets {
			if t == s {
				return true
			}
		}
	}
	return false
}

func checkExecutionTransition(from, to models.ExecutionStatus) error {
	if !known(executionEdges, to) {
		return errors.Wrapf(ErrInvalidArgument, "unknown execution status '%s'", to)
	}
	if !allowed(executionEdges, from, to) {
		return errors.Wrapf(ErrInvalidTransition, "execution %s -> %s", from, to)
	}
	return nil
}

func checkAgentTransition(from, to models.AgentStatus) error {
	if !known(agentEdges, to) {
		return errors.Wrapf(ErrInvalidArgument, "unknown agent status '%s'", to)
	}
	if !allowed(agentEdges, from, to) {
		return errors.Wrapf(ErrInvalidTransition, "agent %s -> %s", from, to)
	}
	return nil
}

func checkTaskTransition(from, to models.TaskStatus) error {
	if !known(taskEdges, to) {
		return errors.Wrapf(ErrInvalidArgument, "unknown task status '%s'", to)
	}
	if !allowed(taskEdges, from, to) {
		return errors.Wrapf(ErrInvalidTransition, "task %s -> %s", from, to)
	}
	return nil
}

func checkToolTransition(from, to models.ToolStatus) error {
	switch to {
	case models.PendingToolStatus, models.ApprovedToolStatus, models.DeniedToolStatus,
		models.ExecutingToolStatus, models.CompletedToolStatus, models.FailedToolStatus:
	default:
		return errors.Wrapf(ErrInvalidArgument, "unknown tool status '%s'", to)
	}
	if to == models.ExecutingToolStatus && (from == models.PendingToolStatus || from == models.DeniedToolStatus) {
		return errors.Wrapf(ErrNotApproved, "tool invocation is %s", from)
	}
	if !allowed(toolEdges, from, to) {
		return errors.Wrapf(ErrInvalidTransition, "tool invocation %s -> %s", from, to)
	}
	return nil
}
