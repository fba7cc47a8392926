package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

// NewToolInvocation describes a tool call requested by an agent.
type NewToolInvocation struct {
	ExecutionID string
	AgentID     string
	ToolName    string
	Arguments   models.Fields
	ApprovalID  *string
	TaskID      *string
	ProviderID  *string
}

// ToolOutcome carries the optional payload of a tool status update.
type ToolOutcome struct {
	Result *string
	Error  *string
	// DurationMs is recorded as reported by the caller.
	DurationMs *int64
}

const approvalTimedOut = "approval timed out"

func (e *Engine) autoApproved(providerID *string) bool {
	return e.trust != nil && providerID != nil && e.trust.IsAutoApproved(*providerID)
}

// CreateToolInvocation records a tool request in pending state. Requests from
// providers the trust policy auto-approves move to approved right away.
func (e *Engine) CreateToolInvocation(req NewToolInvocation) (inv models.ToolInvocation, err error) {
	if strings.TrimSpace(req.ToolName) == "" {
		return models.ToolInvocation{}, errors.Wrap(ErrInvalidArgument, "tool name cannot be empty")
	}
	err = e.withTx(func(s *txScope) error {
		if _, err := requireOpenExecution(s.tx, req.ExecutionID); err != nil {
			return err
		}
		if err := requireMember(s.tx, req.ExecutionID, req.AgentID); err != nil {
			return err
		}
		if req.TaskID != nil {
			task, err := s.tx.GetTask(*req.TaskID)
			if err != nil {
				return storeError(err, "task %s", *req.TaskID)
			}
			if task.ExecutionID != req.ExecutionID {
				return errors.Wrapf(ErrNotFound, "task %s in execution %s", task.ID, req.ExecutionID)
			}
		}

		inv = models.ToolInvocation{
			ID:          e.newID(),
			ExecutionID: req.ExecutionID,
			AgentID:     req.AgentID,
			TaskID:      req.TaskID,
			ToolName:    req.ToolName,
			Arguments:   req.Arguments.Clone(),
			ApprovalID:  req.ApprovalID,
			Status:      models.PendingToolStatus,
			CreatedAt:   e.now(),
			ProviderID:  req.ProviderID,
		}
		if err := s.tx.SaveToolInvocation(inv); err != nil {
			return storeError(err, "save tool invocation")
		}
		if _, err := s.tx.IncrementExecutionCounter(req.ExecutionID, models.ToolInvocationsCounter); err != nil {
			return storeError(err, "increment tool invocation counter")
		}
		md := models.Fields{"tool_name": req.ToolName, "arguments": map[string]any(inv.Arguments.Clone())}
		if req.ProviderID != nil {
			md["provider_id"] = *req.ProviderID
		}
		e.audit.append(s.tx, models.LogEntry{
			ExecutionID:      req.ExecutionID,
			AgentID:          &inv.AgentID,
			TaskID:           req.TaskID,
			ToolInvocationID: &inv.ID,
			Kind:             models.ToolRequestLog,
			Message:          "Tool requested: " + req.ToolName,
			Metadata:         md,
		}, inv.CreatedAt)
		s.notify(req.ExecutionID, models.ToolInvocationEntity, inv.ID, string(inv.Status))

		if !e.autoApproved(req.ProviderID) {
			return nil
		}
		approved := models.ApprovedToolStatus
		if err := s.tx.UpdateToolInvocation(inv.ID, models.ToolInvocationUpdate{Status: &approved, ApprovedAt: &inv.CreatedAt}); err != nil {
			return storeError(err, "auto-approve tool invocation %s", inv.ID)
		}
		e.audit.append(s.tx, models.LogEntry{
			ExecutionID:      req.ExecutionID,
			AgentID:          &inv.AgentID,
			TaskID:           req.TaskID,
			ToolInvocationID: &inv.ID,
			Kind:             models.StatusUpdateLog,
			Message:          "Tool invocation auto-approved by trust policy",
			Metadata:         models.Fields{"from": string(models.PendingToolStatus), "status": string(approved), "provider_id": *req.ProviderID},
		}, inv.CreatedAt)
		inv.Status = approved
		inv.ApprovedAt = &inv.CreatedAt
		s.notify(req.ExecutionID, models.ToolInvocationEntity, inv.ID, string(approved))
		return nil
	})
	if err != nil {
		return models.ToolInvocation{}, err
	}
	e.logger.Infof("Tool invocation %s (%s) is %s", inv.ID, inv.ToolName, inv.Status)
	return inv, nil
}

// ApproveToolExecution records a human decision on a pending tool invocation.
func (e *Engine) ApproveToolExecution(id string, approved bool) (models.ToolInvocation, error) {
	return e.decide(id, approved, nil)
}

func (e *Engine) decide(id string, approved bool, reason *string) (inv models.ToolInvocation, err error) {
	err = e.withTx(func(s *txScope) error {
		current, err := s.tx.GetToolInvocation(id)
		if err != nil {
			return storeError(err, "tool invocation %s", id)
		}
		if current.Status != models.PendingToolStatus {
			return errors.Wrapf(ErrInvalidTransition, "tool invocation %s is already %s", id, current.Status)
		}

		now := e.now()
		status := models.DeniedToolStatus
		if approved {
			status = models.ApprovedToolStatus
		}
		update := models.ToolInvocationUpdate{Status: &status, ApprovedAt: &now, HumanApproved: &approved, Error: reason}
		if err := s.tx.UpdateToolInvocation(id, update); err != nil {
			return storeError(err, "update tool invocation %s", id)
		}
		e.audit.append(s.tx, models.LogEntry{
			ExecutionID:      current.ExecutionID,
			AgentID:          &current.AgentID,
			TaskID:           current.TaskID,
			ToolInvocationID: &id,
			Kind:             models.StatusUpdateLog,
			Message:          "Tool invocation " + string(status),
			Metadata:         outcomeMetadata(string(current.Status), string(status), nil, reason),
		}, now)

		if inv, err = s.tx.GetToolInvocation(id); err != nil {
			return storeError(err, "tool invocation %s", id)
		}
		s.notify(current.ExecutionID, models.ToolInvocationEntity, id, string(status))
		s.released = append(s.released, id)
		return nil
	})
	if err != nil {
		return models.ToolInvocation{}, err
	}
	e.logger.Infof("Tool invocation %s %s", id, inv.Status)
	return inv, nil
}

// UpdateToolExecutionStatus moves an approved tool invocation through
// executing to completed or failed. Executing requires a human approval or an
// auto-approved provider.
func (e *Engine) UpdateToolExecutionStatus(id string, status models.ToolStatus, out ToolOutcome) (inv models.ToolInvocation, err error) {
	err = e.withTx(func(s *txScope) error {
		current, err := s.tx.GetToolInvocation(id)
		if err != nil {
			return storeError(err, "tool invocation %s", id)
		}
		if err := checkToolTransition(current.Status, status); err != nil {
			return err
		}
		if status == models.ExecutingToolStatus && !current.HumanApproved && !e.autoApproved(current.ProviderID) {
			return errors.Wrapf(ErrNotApproved, "tool invocation %s has no approval", id)
		}

		now := e.now()
		update := models.ToolInvocationUpdate{Status: &status, Result: out.Result, Error: out.Error, ExecutionDuration: out.DurationMs}
		if status == models.ExecutingToolStatus && current.StartedAt == nil {
			update.StartedAt = &now
		}
		if status.Terminal() && current.CompletedAt == nil {
			update.CompletedAt = &now
		}
		if err := s.tx.UpdateToolInvocation(id, update); err != nil {
			return storeError(err, "update tool invocation %s", id)
		}

		entry := models.LogEntry{
			ExecutionID:      current.ExecutionID,
			AgentID:          &current.AgentID,
			TaskID:           current.TaskID,
			ToolInvocationID: &id,
			Kind:             models.StatusUpdateLog,
			Message:          "Tool invocation " + string(status),
			Metadata:         outcomeMetadata(string(current.Status), string(status), out.Result, out.Error),
		}
		if out.DurationMs != nil {
			entry.Metadata["execution_duration_ms"] = *out.DurationMs
		}
		if status == models.CompletedToolStatus {
			entry.Kind = models.ToolResultLog
			entry.Message = "Tool result: " + current.ToolName
		}
		e.audit.append(s.tx, entry, now)

		if inv, err = s.tx.GetToolInvocation(id); err != nil {
			return storeError(err, "tool invocation %s", id)
		}
		s.notify(current.ExecutionID, models.ToolInvocationEntity, id, string(status))
		return nil
	})
	if err != nil {
		return models.ToolInvocation{}, err
	}
	return inv, nil
}

// WaitForApproval blocks until the tool invocation leaves pending. When the
// engine's approval timeout elapses or ctx reaches its deadline first, the
// invocation is denied with "approval timed out". A cancelled ctx returns its
// error and leaves the invocation pending.
func (e *Engine) WaitForApproval(ctx context.Context, id string) (models.ToolInvocation, error) {
	wake, cancel := e.gate.wait(id)
	defer cancel()

	inv, err := e.GetToolInvocation(id)
	if err != nil || inv.Status != models.PendingToolStatus {
		return inv, err
	}

	var timeout <-chan time.Time
	if e.approvalTimeout > 0 {
		timer := time.NewTimer(e.approvalTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-wake:
		return e.GetToolInvocation(id)
	case <-timeout:
		return e.expireApproval(id)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return e.expireApproval(id)
		}
		return inv, ctx.Err()
	}
}

func (e *Engine) expireApproval(id string) (models.ToolInvocation, error) {
	reason := approvalTimedOut
	inv, err := e.decide(id, false, &reason)
	if errors.Is(err, ErrInvalidTransition) {
		// Decided concurrently.
		return e.GetToolInvocation(id)
	}
	if err == nil {
		e.logger.Warnf("Tool invocation %s denied: %s", id, reason)
	}
	return inv, err
}

func (e *Engine) GetToolInvocation(id string) (models.ToolInvocation, error) {
	inv, err := e.store.GetToolInvocation(id)
	if err != nil {
		return models.ToolInvocation{}, storeError(err, "tool invocation %s", id)
	}
	return inv, nil
}

func (e *Engine) ListToolInvocations(executionID string) ([]models.ToolInvocation, error) {
	invs, err := e.store.ListToolInvocations(executionID)
	if err != nil {
		return nil, storeError(err, "list tool invocations")
	}
	return invs, nil
}

// approvalWaiters wakes WaitForApproval callers once a decision commits.
type approvalWaiters struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func newApprovalWaiters() *approvalWaiters {
	return &approvalWaiters{waiters: make(map[string]map[chan struct{}]struct{})}
}

func (w *approvalWaiters) wait(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	w.mu.Lock()
	if w.waiters[id] == nil {
		w.waiters[id] = make(map[chan struct{}]struct{})
	}
	w.waiters[id][ch] = struct{}{}
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if set, ok := w.waiters[id]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.waiters, id)
			}
		}
	}
}

func (w *approvalWaiters) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.waiters[id] {
		close(ch)
	}
	delete(w.waiters, id)
}
