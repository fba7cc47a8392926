package service

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"
)

// Logger defines the logging interface for the Engine
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TrustPolicy decides which tool providers bypass human approval.
type TrustPolicy interface {
	IsAutoApproved(providerID string) bool
}

// Engine is the registry of executions, agents, tasks and tool invocations.
// Every mutation runs in one store transaction together with its counter
// update and audit entry, and is announced on the progress bus after commit.
type Engine struct {
	store  storage.Store
	trust  TrustPolicy
	logger Logger
	audit  *auditLog
	bus    *ProgressBus
	gate   *approvalWaiters

	limits          models.SwarmLimits
	approvalTimeout time.Duration
	now             func() time.Time

	// mu serializes mutations so that notifications leave in commit order.
	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits sets the limits applied to executions created without their own.
func WithLimits(l models.SwarmLimits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithApprovalTimeout bounds how long WaitForApproval waits before denying.
func WithApprovalTimeout(d time.Duration) Option {
	return func(e *Engine) { e.approvalTimeout = d }
}

// WithFallbackSink receives audit entries that could not be persisted.
func WithFallbackSink(sink FallbackSink) Option {
	return func(e *Engine) { e.audit.fallback = sink }
}

// WithProgressBus publishes notifications on an existing bus.
func WithProgressBus(bus *ProgressBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store storage.Store, trust TrustPolicy, logger Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		trust:  trust,
		logger: logger,
		bus:    NewProgressBus(),
		gate:   newApprovalWaiters(),
		limits: models.DefaultSwarmLimits(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	e.audit = newAuditLog(logger)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bus returns the progress bus the engine publishes on.
func (e *Engine) Bus() *ProgressBus {
	return e.bus
}

// txScope collects the side effects of one transaction that must only be
// released after it commits.
type txScope struct {
	tx       storage.Store
	notes    []models.Notification
	released []string
}

func (s *txScope) notify(executionID string, kind models.EntityKind, id, status string) {
	s.notes = append(s.notes, models.Notification{ExecutionID: executionID, Entity: kind, EntityID: id, Status: status})
}

// withTx runs fn in a transaction, rolling back on error and publishing the
// collected notifications on success.
func (e *Engine) withTx(fn func(s *txScope) error) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.store.Begin()
	if err != nil {
		return errors.Wrapf(ErrPersistence, "begin transaction: %v", err)
	}
	scope := &txScope{tx: tx}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit: %v", commitErr)
			err = errors.Wrapf(ErrPersistence, "commit: %v", commitErr)
			return
		}
		for _, n := range scope.notes {
			e.bus.Publish(n)
		}
		for _, id := range scope.released {
			e.gate.release(id)
		}
	}()
	return fn(scope)
}

func (e *Engine) newID() string {
	return uuid.NewString()
}

// limitsOf returns the limits snapshotted into the execution.
func (e *Engine) limitsOf(exec models.Execution) models.SwarmLimits {
	if exec.Config != nil {
		return *exec.Config
	}
	return e.limits
}

// NewExecution describes an execution to admit.
type NewExecution struct {
	TaskDescription string
	UserID          string
	ChatID          *string
	WorkspaceID     *string
	// Limits overrides the engine defaults for this execution only.
	Limits *models.SwarmLimits
}

// CreateExecution admits a new execution in pending state.
func (e *Engine) CreateExecution(req NewExecution) (exec models.Execution, err error) {
	if strings.TrimSpace(req.TaskDescription) == "" {
		return models.Execution{}, errors.Wrap(ErrInvalidArgument, "task description cannot be empty")
	}
	limits := e.limits
	if req.Limits != nil {
		limits = *req.Limits
	}
	if err := validateLimits(limits); err != nil {
		return models.Execution{}, err
	}

	exec = models.Execution{
		ID:              e.newID(),
		TaskDescription: req.TaskDescription,
		Status:          models.PendingExecutionStatus,
		CreatedAt:       e.now(),
		UserID:          req.UserID,
		ChatID:          req.ChatID,
		WorkspaceID:     req.WorkspaceID,
		Config:          &limits,
	}
	err = e.withTx(func(s *txScope) error {
		if err := s.tx.SaveExecution(exec); err != nil {
			return storeError(err, "save execution")
		}
		e.audit.append(s.tx, models.LogEntry{
			ExecutionID: exec.ID,
			Kind:        models.InfoLog,
			Message:     "Execution created: " + exec.TaskDescription,
		}, e.now())
		s.notify(exec.ID, models.ExecutionEntity, exec.ID, string(exec.Status))
		return nil
	})
	if err != nil {
		return models.Execution{}, err
	}
	e.logger.Infof("Created execution %s for user '%s'", exec.ID, exec.UserID)
	return exec, nil
}

// UpdateExecutionStatus moves an execution along its state machine.
func (e *Engine) UpdateExecutionStatus(id string, status models.ExecutionStatus, result, errMsg *string) (exec models.Execution, err error) {
	err = e.withTx(func(s *txScope) error {
		current, err := s.tx.GetExecution(id)
		if err != nil {
			return storeError(err, "execution %s", id)
		}
		if err := checkExecutionTransition(current.Status, status); err != nil {
			return err
		}
		if status == models.RunningExecutionStatus && current.Status != models.RunningExecutionStatus {
			running, err := s.tx.CountExecutionsByStatus(models.RunningExecutionStatus)
			if err != nil {
				return storeError(err, "count running executions")
			}
			if err := admitActiveSwarm(e.limitsOf(current), running); err != nil {
				return err
			}
		}

		now := e.now()
		update := models.ExecutionUpdate{Status: &status, Result: result, Error: errMsg}
		if status == models.RunningExecutionStatus && current.StartedAt == nil {
			update.StartedAt = &now
		}
		if status.Terminal() && current.CompletedAt == nil {
			update.CompletedAt = &now
		}
		if err := s.tx.UpdateExecution(id, update); err != nil {
			return storeError(err, "update execution %s", id)
		}
		e.audit.append(s.tx, models.LogEntry{
			ExecutionID: id,
			Kind:        models.StatusUpdateLog,
			Message:     "Execution status changed to " + string(status),
			Metadata:    outcomeMetadata(string(current.Status), string(status), result, errMsg),
		}, now)

		if exec, err = s.tx.GetExecution(id); err != nil {
			return storeError(err, "execution %s", id)
		}
		s.notify(id, models.ExecutionEntity, id, string(status))
		return nil
	})
	if err != nil {
		return models.Execution{}, err
	}
	e.logger.Infof("Updated execution %s to status '%s'", id, status)
	return exec, nil
}

func (e *Engine) GetExecution(id string) (models.Execution, error) {
	exec, err := e.store.GetExecution(id)
	if err != nil {
		return models.Execution{}, storeError(err, "execution %s", id)
	}
	return exec, nil
}

// ListExecutions lists executions of a user, or all when userID is empty.
func (e *Engine) ListExecutions(userID string) ([]models.Execution, error) {
	execs, err := e.store.ListExecutions(userID)
	if err != nil {
		return nil, storeError(err, "list executions")
	}
	return execs, nil
}

// ExecutionSnapshot is an execution together with everything it owns.
type ExecutionSnapshot struct {
	Execution       models.Execution        `json:"execution"`
	Agents          []models.Agent          `json:"agents"`
	Tasks           []models.Task           `json:"tasks"`
	ToolInvocations []models.ToolInvocation `json:"tool_invocations"`
	Logs            []models.LogEntry       `json:"logs"`
}

// Snapshot reads an execution and its children in one transaction.
func (e *Engine) Snapshot(id string) (snap ExecutionSnapshot, err error) {
	tx, err := e.store.Begin()
	if err != nil {
		return ExecutionSnapshot{}, errors.Wrapf(ErrPersistence, "begin transaction: %v", err)
	}
	defer func() {
		if commitErr := tx.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit: %v", commitErr)
		}
	}()

	if snap.Execution, err = tx.GetExecution(id); err != nil {
		return ExecutionSnapshot{}, storeError(err, "execution %s", id)
	}
	if snap.Agents, err = tx.ListAgents(id); err != nil {
		return ExecutionSnapshot{}, storeError(err, "list agents")
	}
	if snap.Tasks, err = tx.ListTasks(id); err != nil {
		return ExecutionSnapshot{}, storeError(err, "list tasks")
	}
	if snap.ToolInvocations, err = tx.ListToolInvocations(id); err != nil {
		return ExecutionSnapshot{}, storeError(err, "list tool invocations")
	}
	if snap.Logs, err = tx.ListLogs(id); err != nil {
		return ExecutionSnapshot{}, storeError(err, "list logs")
	}
	return snap, nil
}

// PurgeExecution deletes an execution and all of its descendants. Callers
// waiting on one of its pending tool invocations are woken and see ErrNotFound.
func (e *Engine) PurgeExecution(id string) error {
	err := e.withTx(func(s *txScope) error {
		invs, err := s.tx.ListToolInvocations(id)
		if err != nil {
			return storeError(err, "list tool invocations of %s", id)
		}
		for _, inv := range invs {
			if inv.Status == models.PendingToolStatus {
				s.released = append(s.released, inv.ID)
			}
		}
		if err := s.tx.DeleteExecution(id); err != nil {
			return storeError(err, "delete execution %s", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Infof("Purged execution %s", id)
	return nil
}

// requireOpenExecution loads an execution that still accepts new children.
func requireOpenExecution(tx storage.Store, id string) (models.Execution, error) {
	exec, err := tx.GetExecution(id)
	if err != nil {
		return models.Execution{}, storeError(err, "execution %s", id)
	}
	if exec.Status.Terminal() {
		return models.Execution{}, errors.Wrapf(ErrInvalidTransition, "execution %s is %s", id, exec.Status)
	}
	return exec, nil
}

func outcomeMetadata(from, to string, result, errMsg *string) models.Fields {
	md := models.Fields{"from": from, "status": to}
	if result != nil {
		md["result"] = *result
	}
	if errMsg != nil {
		md["error"] = *errMsg
	}
	return md
}
