package storage

import (
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

const (
	executionColumns = `id, task_description, status, created_at, started_at, completed_at, result, error,
		user_id, chat_id, workspace_id, config, total_agents, total_tasks, total_tool_invocations`
	agentColumns = `id, execution_id, agent_id, role, expertise, status, created_at, started_at, completed_at, current_task`
	taskColumns  = `id, execution_id, agent_id, description, status, priority, created_at, started_at, completed_at,
		result, error, iterations, max_iterations, parent_task_id, subtask_ref`
	toolColumns = `id, execution_id, agent_id, task_id, tool_name, arguments, approval_id, status, created_at,
		approved_at, started_at, completed_at, execution_duration, result, error, provider_id, human_approved`
	logColumns = `id, execution_id, agent_id, task_id, tool_invocation_id, kind, message, metadata, created_at`
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *PostgresStore) inTx() bool {
	_, ok := s.db.(*sqlx.Tx)
	return ok
}

func (s *PostgresStore) get(dest interface{}, query string, args ...interface{}) error {
	err := s.db.Get(dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// update applies the non-empty set of columns to the row with the given id.
func (s *PostgresStore) update(table, id string, set map[string]interface{}) error {
	if len(set) == 0 {
		var exists bool
		return s.get(&exists, "SELECT true FROM "+table+" WHERE id = $1", id)
	}
	query, args, err := psql.Update(table).SetMap(set).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return errors.Wrapf(err, "build %s update", table)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "update %s %s", table, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) insert(table string, values map[string]interface{}) error {
	query, args, err := psql.Insert(table).SetMap(values).ToSql()
	if err != nil {
		return errors.Wrapf(err, "build %s insert", table)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return errors.Wrapf(err, "insert into %s", table)
	}
	return nil
}

func (s *PostgresStore) SaveExecution(e models.Execution) error {
	return s.insert("executions", map[string]interface{}{
		"id":                     e.ID,
		"task_description":       e.TaskDescription,
		"status":                 e.Status,
		"created_at":             e.CreatedAt,
		"started_at":             e.StartedAt,
		"completed_at":           e.CompletedAt,
		"result":                 e.Result,
		"error":                  e.Error,
		"user_id":                e.UserID,
		"chat_id":                e.ChatID,
		"workspace_id":           e.WorkspaceID,
		"config":                 e.Config,
		"total_agents":           e.TotalAgents,
		"total_tasks":            e.TotalTasks,
		"total_tool_invocations": e.TotalToolInvocations,
	})
}

// GetExecution reads an execution. Inside a transaction the row stays locked
// until commit so admission checks and counter updates see a stable value.
func (s *PostgresStore) GetExecution(id string) (models.Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE id = $1"
	if s.inTx() {
		query += " FOR UPDATE"
	}
	var e models.Execution
	if err := s.get(&e, query, id); err != nil {
		return models.Execution{}, err
	}
	return e, nil
}

func (s *PostgresStore) ListExecutions(userID string) ([]models.Execution, error) {
	q := psql.Select(executionColumns).From("executions").OrderBy("created_at", "seq")
	if userID != "" {
		q = q.Where(sq.Eq{"user_id": userID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	executions := []models.Execution{}
	if err := s.db.Select(&executions, query, args...); err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *PostgresStore) UpdateExecution(id string, u models.ExecutionUpdate) error {
	set := map[string]interface{}{}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.StartedAt != nil {
		set["started_at"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		set["completed_at"] = *u.CompletedAt
	}
	if u.Result != nil {
		set["result"] = *u.Result
	}
	if u.Error != nil {
		set["error"] = *u.Error
	}
	return s.update("executions", id, set)
}

func (s *PostgresStore) IncrementExecutionCounter(id string, counter models.Counter) (int, error) {
	switch counter {
	case models.AgentsCounter, models.TasksCounter, models.ToolInvocationsCounter:
	default:
		return 0, errors.Errorf("unknown counter %s", counter)
	}
	col := string(counter)
	var value int
	err := s.db.QueryRowx("UPDATE executions SET "+col+" = "+col+" + 1 WHERE id = $1 RETURNING "+col, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	return value, err
}

func (s *PostgresStore) CountExecutionsByStatus(status models.ExecutionStatus) (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM executions WHERE status = $1", status)
	return n, err
}

// DeleteExecution relies on ON DELETE CASCADE to remove the children.
func (s *PostgresStore) DeleteExecution(id string) error {
	res, err := s.db.Exec("DELETE FROM executions WHERE id = $1", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAgent(a models.Agent) error {
	return s.insert("agents", map[string]interface{}{
		"id":           a.ID,
		"execution_id": a.ExecutionID,
		"agent_id":     a.AgentID,
		"role":         a.Role,
		"expertise":    a.Expertise,
		"status":       a.Status,
		"created_at":   a.CreatedAt,
		"started_at":   a.StartedAt,
		"completed_at": a.CompletedAt,
		"current_task": a.CurrentTask,
	})
}

func (s *PostgresStore) GetAgent(id string) (models.Agent, error) {
	var a models.Agent
	if err := s.get(&a, "SELECT "+agentColumns+" FROM agents WHERE id = $1", id); err != nil {
		return models.Agent{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(executionID string) ([]models.Agent, error) {
	agents := []models.Agent{}
	err := s.db.Select(&agents, "SELECT "+agentColumns+" FROM agents WHERE execution_id = $1 ORDER BY created_at, seq", executionID)
	if err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *PostgresStore) UpdateAgent(id string, u models.AgentUpdate) error {
	set := map[string]interface{}{}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.StartedAt != nil {
		set["started_at"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		set["completed_at"] = *u.CompletedAt
	}
	if u.CurrentTask != nil {
		set["current_task"] = *u.CurrentTask
	}
	return s.update("agents", id, set)
}

func (s *PostgresStore) CountAgentsByStatus(executionID string, status models.AgentStatus) (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM agents WHERE execution_id = $1 AND status = $2", executionID, status)
	return n, err
}

func (s *PostgresStore) SaveTask(t models.Task) error {
	return s.insert("tasks", map[string]interface{}{
		"id":             t.ID,
		"execution_id":   t.ExecutionID,
		"agent_id":       t.AgentID,
		"description":    t.Description,
		"status":         t.Status,
		"priority":       t.Priority,
		"created_at":     t.CreatedAt,
		"started_at":     t.StartedAt,
		"completed_at":   t.CompletedAt,
		"result":         t.Result,
		"error":          t.Error,
		"iterations":     t.Iterations,
		"max_iterations": t.MaxIterations,
		"parent_task_id": t.ParentTaskID,
		"subtask_ref":    t.SubtaskRef,
	})
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var t models.Task
	if err := s.get(&t, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id); err != nil {
		return models.Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(executionID string) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, "SELECT "+taskColumns+" FROM tasks WHERE execution_id = $1 ORDER BY created_at, seq", executionID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) ListTasksByStatus(status models.TaskStatus) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, "SELECT "+taskColumns+" FROM tasks WHERE status = $1 ORDER BY created_at, seq", status)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateTask(id string, u models.TaskUpdate) error {
	set := map[string]interface{}{}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.StartedAt != nil {
		set["started_at"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		set["completed_at"] = *u.CompletedAt
	}
	if u.Result != nil {
		set["result"] = *u.Result
	}
	if u.Error != nil {
		set["error"] = *u.Error
	}
	if u.Iterations != nil {
		set["iterations"] = *u.Iterations
	}
	return s.update("tasks", id, set)
}

func (s *PostgresStore) SaveToolInvocation(t models.ToolInvocation) error {
	return s.insert("tool_invocations", map[string]interface{}{
		"id":                 t.ID,
		"execution_id":       t.ExecutionID,
		"agent_id":           t.AgentID,
		"task_id":            t.TaskID,
		"tool_name":          t.ToolName,
		"arguments":          t.Arguments,
		"approval_id":        t.ApprovalID,
		"status":             t.Status,
		"created_at":         t.CreatedAt,
		"approved_at":        t.ApprovedAt,
		"started_at":         t.StartedAt,
		"completed_at":       t.CompletedAt,
		"execution_duration": t.ExecutionDuration,
		"result":             t.Result,
		"error":              t.Error,
		"provider_id":        t.ProviderID,
		"human_approved":     t.HumanApproved,
	})
}

func (s *PostgresStore) GetToolInvocation(id string) (models.ToolInvocation, error) {
	var t models.ToolInvocation
	if err := s.get(&t, "SELECT "+toolColumns+" FROM tool_invocations WHERE id = $1", id); err != nil {
		return models.ToolInvocation{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListToolInvocations(executionID string) ([]models.ToolInvocation, error) {
	invs := []models.ToolInvocation{}
	err := s.db.Select(&invs, "SELECT "+toolColumns+" FROM tool_invocations WHERE execution_id = $1 ORDER BY created_at, seq", executionID)
	if err != nil {
		return nil, err
	}
	return invs, nil
}

func (s *PostgresStore) UpdateToolInvocation(id string, u models.ToolInvocationUpdate) error {
	set := map[string]interface{}{}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.ApprovedAt != nil {
		set["approved_at"] = *u.ApprovedAt
	}
	if u.StartedAt != nil {
		set["started_at"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		set["completed_at"] = *u.CompletedAt
	}
	if u.ExecutionDuration != nil {
		set["execution_duration"] = *u.ExecutionDuration
	}
	if u.Result != nil {
		set["result"] = *u.Result
	}
	if u.Error != nil {
		set["error"] = *u.Error
	}
	if u.HumanApproved != nil {
		set["human_approved"] = *u.HumanApproved
	}
	return s.update("tool_invocations", id, set)
}

// AddLog inserts an audit entry. Inside a transaction the insert runs under a
// savepoint, so a failed write leaves the surrounding transaction usable.
func (s *PostgresStore) AddLog(entry models.LogEntry) error {
	values := map[string]interface{}{
		"id":                 entry.ID,
		"execution_id":       entry.ExecutionID,
		"agent_id":           entry.AgentID,
		"task_id":            entry.TaskID,
		"tool_invocation_id": entry.ToolInvocationID,
		"kind":               entry.Kind,
		"message":            entry.Message,
		"metadata":           entry.Metadata,
		"created_at":         entry.CreatedAt,
	}
	if !s.inTx() {
		return s.insert("execution_logs", values)
	}
	if _, err := s.db.Exec("SAVEPOINT audit_log"); err != nil {
		return err
	}
	if err := s.insert("execution_logs", values); err != nil {
		if _, rbErr := s.db.Exec("ROLLBACK TO SAVEPOINT audit_log"); rbErr != nil {
			return errors.Wrapf(err, "rollback to savepoint: %v", rbErr)
		}
		return err
	}
	_, err := s.db.Exec("RELEASE SAVEPOINT audit_log")
	return err
}

func (s *PostgresStore) ListLogs(executionID string) ([]models.LogEntry, error) {
	logs := []models.LogEntry{}
	err := s.db.Select(&logs, "SELECT "+logColumns+" FROM execution_logs WHERE execution_id = $1 ORDER BY created_at, seq", executionID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}
