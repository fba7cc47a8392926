package storage

import (
	"maps"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

// table keeps rows keyed by id together with their insertion order. Rows are
// copied with dup on the way in and out so callers never share maps, slices
// or limits with the stored row.
type table[T any] struct {
	rows  map[string]T
	order []string
	dup   func(T) T
}

func newTable[T any](dup func(T) T) *table[T] {
	return &table[T]{rows: make(map[string]T), dup: dup}
}

func (t *table[T]) clone() *table[T] {
	return &table[T]{rows: maps.Clone(t.rows), order: slices.Clone(t.order), dup: t.dup}
}

func (t *table[T]) insert(id string, row T) {
	t.rows[id] = row
	t.order = append(t.order, id)
}

func (t *table[T]) remove(id string) {
	delete(t.rows, id)
	if i := slices.Index(t.order, id); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
}

func (t *table[T]) filter(keep func(T) bool) []T {
	out := []T{}
	for _, id := range t.order {
		if row := t.rows[id]; keep(row) {
			out = append(out, t.dup(row))
		}
	}
	return out
}

type memoryData struct {
	mu          sync.Mutex
	executions  *table[models.Execution]
	agents      *table[models.Agent]
	tasks       *table[models.Task]
	invocations *table[models.ToolInvocation]
	logs        *table[models.LogEntry]
}

// memoryStore implements Store in memory. A transaction holds the data lock
// from Begin until Commit or Rollback and records an undo step per write.
type memoryStore struct {
	data *memoryData
	tx   bool
	done bool
	undo []func()
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{data: &memoryData{
		executions:  newTable(copyExecution),
		agents:      newTable(copyAgent),
		tasks:       newTable(func(t models.Task) models.Task { return t }),
		invocations: newTable(copyToolInvocation),
		logs:        newTable(copyLogEntry),
	}}
}

func copyExecution(e models.Execution) models.Execution {
	if e.Config != nil {
		limits := *e.Config
		e.Config = &limits
	}
	return e
}

func copyAgent(a models.Agent) models.Agent {
	a.Expertise = a.Expertise.Clone()
	return a
}

func copyToolInvocation(t models.ToolInvocation) models.ToolInvocation {
	t.Arguments = t.Arguments.Clone()
	return t
}

func copyLogEntry(l models.LogEntry) models.LogEntry {
	l.Metadata = l.Metadata.Clone()
	return l
}

var errTxDone = errors.New("transaction already finished")

func (m *memoryStore) Begin() (Store, error) {
	if m.tx {
		return nil, errors.New("nested transactions are not supported")
	}
	m.data.mu.Lock()
	return &memoryStore{data: m.data, tx: true}, nil
}

func (m *memoryStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errTxDone
	}
	m.done = true
	m.undo = nil
	m.data.mu.Unlock()
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errTxDone
	}
	for i := len(m.undo) - 1; i >= 0; i-- {
		m.undo[i]()
	}
	m.done = true
	m.undo = nil
	m.data.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// run executes fn under the data lock, or directly when inside a transaction.
func (m *memoryStore) run(fn func(d *memoryData) error) error {
	if m.tx {
		if m.done {
			return errTxDone
		}
		return fn(m.data)
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	return fn(m.data)
}

func (m *memoryStore) record(step func()) {
	if m.tx {
		m.undo = append(m.undo, step)
	}
}

func insertRow[T any](m *memoryStore, t *table[T], id string, row T) error {
	return m.run(func(*memoryData) error {
		if _, ok := t.rows[id]; ok {
			return errors.Errorf("record %s already exists", id)
		}
		t.insert(id, t.dup(row))
		m.record(func() { t.remove(id) })
		return nil
	})
}

func getRow[T any](m *memoryStore, t *table[T], id string) (T, error) {
	var row T
	err := m.run(func(*memoryData) error {
		r, ok := t.rows[id]
		if !ok {
			return ErrNotFound
		}
		row = t.dup(r)
		return nil
	})
	return row, err
}

func updateRow[T any](m *memoryStore, t *table[T], id string, apply func(*T)) error {
	return m.run(func(*memoryData) error {
		old, ok := t.rows[id]
		if !ok {
			return ErrNotFound
		}
		row := old
		apply(&row)
		t.rows[id] = row
		m.record(func() { t.rows[id] = old })
		return nil
	})
}

func listRows[T any](m *memoryStore, t *table[T], keep func(T) bool) ([]T, error) {
	var out []T
	err := m.run(func(*memoryData) error {
		out = t.filter(keep)
		return nil
	})
	return out, err
}

func (m *memoryStore) SaveExecution(e models.Execution) error {
	return insertRow(m, m.data.executions, e.ID, e)
}

func (m *memoryStore) GetExecution(id string) (models.Execution, error) {
	return getRow(m, m.data.executions, id)
}

func (m *memoryStore) ListExecutions(userID string) ([]models.Execution, error) {
	return listRows(m, m.data.executions, func(e models.Execution) bool {
		return userID == "" || e.UserID == userID
	})
}

func (m *memoryStore) UpdateExecution(id string, u models.ExecutionUpdate) error {
	return updateRow(m, m.data.executions, id, func(e *models.Execution) {
		if u.Status != nil {
			e.Status = *u.Status
		}
		if u.StartedAt != nil {
			e.StartedAt = u.StartedAt
		}
		if u.CompletedAt != nil {
			e.CompletedAt = u.CompletedAt
		}
		if u.Result != nil {
			e.Result = u.Result
		}
		if u.Error != nil {
			e.Error = u.Error
		}
	})
}

func (m *memoryStore) IncrementExecutionCounter(id string, counter models.Counter) (int, error) {
	var value int
	err := updateRow(m, m.data.executions, id, func(e *models.Execution) {
		switch counter {
		case models.AgentsCounter:
			e.TotalAgents++
			value = e.TotalAgents
		case models.TasksCounter:
			e.TotalTasks++
			value = e.TotalTasks
		case models.ToolInvocationsCounter:
			e.TotalToolInvocations++
			value = e.TotalToolInvocations
		}
	})
	return value, err
}

func (m *memoryStore) CountExecutionsByStatus(status models.ExecutionStatus) (int, error) {
	rows, err := listRows(m, m.data.executions, func(e models.Execution) bool { return e.Status == status })
	return len(rows), err
}

func (m *memoryStore) DeleteExecution(id string) error {
	return m.run(func(d *memoryData) error {
		if _, ok := d.executions.rows[id]; !ok {
			return ErrNotFound
		}
		executions, agents, tasks := d.executions.clone(), d.agents.clone(), d.tasks.clone()
		invocations, logs := d.invocations.clone(), d.logs.clone()
		m.record(func() {
			*d.executions, *d.agents, *d.tasks = *executions, *agents, *tasks
			*d.invocations, *d.logs = *invocations, *logs
		})

		d.executions.remove(id)
		cascade(d.agents, func(a models.Agent) bool { return a.ExecutionID == id })
		cascade(d.tasks, func(t models.Task) bool { return t.ExecutionID == id })
		cascade(d.invocations, func(t models.ToolInvocation) bool { return t.ExecutionID == id })
		cascade(d.logs, func(l models.LogEntry) bool { return l.ExecutionID == id })
		return nil
	})
}

func cascade[T any](t *table[T], owned func(T) bool) {
	for _, id := range slices.Clone(t.order) {
		if owned(t.rows[id]) {
			t.remove(id)
		}
	}
}

func (m *memoryStore) SaveAgent(a models.Agent) error {
	return insertRow(m, m.data.agents, a.ID, a)
}

func (m *memoryStore) GetAgent(id string) (models.Agent, error) {
	return getRow(m, m.data.agents, id)
}

func (m *memoryStore) ListAgents(executionID string) ([]models.Agent, error) {
	return listRows(m, m.data.agents, func(a models.Agent) bool { return a.ExecutionID == executionID })
}

func (m *memoryStore) UpdateAgent(id string, u models.AgentUpdate) error {
	return updateRow(m, m.data.agents, id, func(a *models.Agent) {
		if u.Status != nil {
			a.Status = *u.Status
		}
		if u.StartedAt != nil {
			a.StartedAt = u.StartedAt
		}
		if u.CompletedAt != nil {
			a.CompletedAt = u.CompletedAt
		}
		if u.CurrentTask != nil {
			a.CurrentTask = u.CurrentTask
		}
	})
}

func (m *memoryStore) CountAgentsByStatus(executionID string, status models.AgentStatus) (int, error) {
	rows, err := listRows(m, m.data.agents, func(a models.Agent) bool {
		return a.ExecutionID == executionID && a.Status == status
	})
	return len(rows), err
}

func (m *memoryStore) SaveTask(t models.Task) error {
	return insertRow(m, m.data.tasks, t.ID, t)
}

func (m *memoryStore) GetTask(id string) (models.Task, error) {
	return getRow(m, m.data.tasks, id)
}

func (m *memoryStore) ListTasks(executionID string) ([]models.Task, error) {
	return listRows(m, m.data.tasks, func(t models.Task) bool { return t.ExecutionID == executionID })
}

func (m *memoryStore) ListTasksByStatus(status models.TaskStatus) ([]models.Task, error) {
	return listRows(m, m.data.tasks, func(t models.Task) bool { return t.Status == status })
}

func (m *memoryStore) UpdateTask(id string, u models.TaskUpdate) error {
	return updateRow(m, m.data.tasks, id, func(t *models.Task) {
		if u.Status != nil {
			t.Status = *u.Status
		}
		if u.StartedAt != nil {
			t.StartedAt = u.StartedAt
		}
		if u.CompletedAt != nil {
			t.CompletedAt = u.CompletedAt
		}
		if u.Result != nil {
			t.Result = u.Result
		}
		if u.Error != nil {
			t.Error = u.Error
		}
		if u.Iterations != nil {
			t.Iterations = *u.Iterations
		}
	})
}

func (m *memoryStore) SaveToolInvocation(t models.ToolInvocation) error {
	return insertRow(m, m.data.invocations, t.ID, t)
}

func (m *memoryStore) GetToolInvocation(id string) (models.ToolInvocation, error) {
	return getRow(m, m.data.invocations, id)
}

func (m *memoryStore) ListToolInvocations(executionID string) ([]models.ToolInvocation, error) {
	return listRows(m, m.data.invocations, func(t models.ToolInvocation) bool { return t.ExecutionID == executionID })
}

func (m *memoryStore) UpdateToolInvocation(id string, u models.ToolInvocationUpdate) error {
	return updateRow(m, m.data.invocations, id, func(t *models.ToolInvocation) {
		if u.Status != nil {
			t.Status = *u.Status
		}
		if u.ApprovedAt != nil {
			t.ApprovedAt = u.ApprovedAt
		}
		if u.StartedAt != nil {
			t.StartedAt = u.StartedAt
		}
		if u.CompletedAt != nil {
			t.CompletedAt = u.CompletedAt
		}
		if u.ExecutionDuration != nil {
			t.ExecutionDuration = u.ExecutionDuration
		}
		if u.Result != nil {
			t.Result = u.Result
		}
		if u.Error != nil {
			t.Error = u.Error
		}
		if u.HumanApproved != nil {
			t.HumanApproved = *u.HumanApproved
		}
	})
}

func (m *memoryStore) AddLog(entry models.LogEntry) error {
	return m.run(func(d *memoryData) error {
		if _, ok := d.executions.rows[entry.ExecutionID]; !ok {
			return ErrNotFound
		}
		d.logs.insert(entry.ID, d.logs.dup(entry))
		m.record(func() { d.logs.remove(entry.ID) })
		return nil
	})
}

func (m *memoryStore) ListLogs(executionID string) ([]models.LogEntry, error) {
	return listRows(m, m.data.logs, func(l models.LogEntry) bool { return l.ExecutionID == executionID })
}
