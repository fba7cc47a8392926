package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/service"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

type trustPolicy map[string]bool

func (p trustPolicy) IsAutoApproved(providerID string) bool {
	return p[providerID]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func strPtr(s string) *string { return &s }

func newEngine(opts ...service.Option) *service.Engine {
	return service.NewEngine(storage.NewMemoryStore(), trustPolicy{"local-fs": true}, logger{}, opts...)
}

func createExecution(t *testing.T, e *service.Engine, limits *models.SwarmLimits) models.Execution {
	t.Helper()
	exec, err := e.CreateExecution(service.NewExecution{TaskDescription: "summarize report", UserID: "u1", Limits: limits})
	require.NoError(t, err)
	return exec
}

func TestExecutionLifecycle(t *testing.T) {
	t.Run("ScenarioA", func(t *testing.T) {
		e := newEngine()
		exec := createExecution(t, e, nil)

		agent, err := e.CreateAgent(exec.ID, "agent-1", "researcher", []string{"search", "summaries"})
		assert.NoError(t, err)
		assert.Equal(t, models.IdleAgentStatus, agent.Status)

		task, err := e.CreateTask(exec.ID, agent.ID, "fetch source", 1)
		assert.NoError(t, err)
		assert.Equal(t, 1, task.Priority)
		assert.Equal(t, models.PendingTaskStatus, task.Status)

		got, err := e.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, got.TotalAgents)
		assert.Equal(t, 1, got.TotalTasks)
		assert.Equal(t, models.PendingExecutionStatus, got.Status)
	})

	t.Run("IdempotentStartedAt", func(t *testing.T) {
		clk := newClock()
		e := newEngine(service.WithClock(clk.Now))
		exec := createExecution(t, e, nil)

		first, err := e.UpdateExecutionStatus(exec.ID, models.RunningExecutionStatus, nil, nil)
		assert.NoError(t, err)
		assert.NotNil(t, first.StartedAt)

		clk.Advance(time.Minute)
		second, err := e.UpdateExecutionStatus(exec.ID, models.RunningExecutionStatus, nil, nil)
		assert.NoError(t, err)
		assert.Equal(t, *first.StartedAt, *second.StartedAt)

		clk.Advance(time.Minute)
		done, err := e.UpdateExecutionStatus(exec.ID, models.CompletedExecutionStatus, strPtr("summary"), nil)
		assert.NoError(t, err)
		assert.Equal(t, clk.Now(), *done.CompletedAt)
		assert.Equal(t, "summary", *done.Result)
	})

	t.Run("TerminalRejectsTransitions", func(t *testing.T) {
		e := newEngine()
		exec := createExecution(t, e, nil)
		_, err := e.UpdateExecutionStatus(exec.ID, models.RunningExecutionStatus, nil, nil)
		assert.NoError(t, err)
		_, err = e.UpdateExecutionStatus(exec.ID, models.FailedExecutionStatus, nil, strPtr("boom"))
		assert.NoError(t, err)

		_, err = e.UpdateExecutionStatus(exec.ID, models.RunningExecutionStatus, nil, nil)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
		_, err = e.UpdateExecutionStatus(exec.ID, models.CompletedExecutionStatus, nil, nil)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)

		_, err = e.CreateAgent(exec.ID, "late", "writer", nil)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
	})

	t.Run("PendingCannotComplete", func(t *testing.T) {
		e := newEngine()
		exec := createExecution(t, e, nil)
		_, err := e.UpdateExecutionStatus(exec.ID, models.CompletedExecutionStatus, nil, nil)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		e := newEngine()
		exec := createExecution(t, e, nil)
		_, err := e.UpdateExecutionStatus(exec.ID, "paused", nil, nil)
		assert.ErrorIs(t, err, service.ErrInvalidArgument)
	})

	t.Run("NotFound", func(t *testing.T) {
		e := newEngine()
		_, err := e.UpdateExecutionStatus("missing", models.RunningExecutionStatus, nil, nil)
		assert.ErrorIs(t, err, service.ErrNotFound)
		_, err = e.CreateAgent("missing", "agent-1", "researcher", nil)
		assert.ErrorIs(t, err, service.ErrNotFound)
		_, err = e.UpdateTaskStatus("missing", models.RunningTaskStatus, nil, nil)
		assert.ErrorIs(t, err, service.ErrNotFound)
		_, err = e.ApproveToolExecution("missing", true)
		assert.ErrorIs(t, err, service.ErrNotFound)
	})

	t.Run("EmptyDescription", func(t *testing.T) {
		e := newEngine()
		_, err := e.CreateExecution(service.NewExecution{TaskDescription: "  "})
		assert.ErrorIs(t, err, service.ErrInvalidArgument)
	})

	t.Run("InvalidLimits", func(t *testing.T) {
		e := newEngine()
		_, err := e.CreateExecution(service.NewExecution{TaskDescription: "x", Limits: &models.SwarmLimits{}})
		assert.ErrorIs(t, err, service.ErrInvalidArgument)
	})

	t.Run("LogsEveryTransition", func(t *testing.T) {
		e := newEngine()
		exec := createExecution(t, e, nil)
		_, err := e.UpdateExecutionStatus(exec.ID, models.RunningExecutionStatus, nil, nil)
		assert.NoError(t, err)

		logs, err := e.ListLogs(exec.ID)
		assert.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, models.InfoLog, logs[0].Kind)
		assert.Equal(t, models.StatusUpdateLog, logs[1].Kind)
		assert.Equal(t, "running", logs[1].Metadata["status"])
	})
}

func TestLimits(t *testing.T) {
	t.Run("ScenarioD_MaxSwarmSize", func(t *testing.T) {
		e := newEngine()
		limits := models.DefaultSwarmLimits()
		limits.MaxSwarmSize = 2
		exec := createExecution(t, e, &limits)

		_, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
		assert.NoError(t, err)
		_, err = e.CreateAgent(exec.ID, "a2", "writer", nil)
		assert.NoError(t, err)
		_, err = e.CreateAgent(exec.ID, "a3", "critic", nil)
		assert.ErrorIs(t, err, service.ErrCapacityExceeded)

		got, err := e.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, 2, got.TotalAgents)
		agents, err := e.ListAgents(exec.ID)
		assert.NoError(t, err)
		assert.Len(t, agents, 2)
	})

	t.Run("ConcurrentAgentCreation", func(t *testing.T) {
		e := newEngine()
		limits := models.DefaultSwarmLimits()
		limits.MaxSwarmSize = 5
		exec := createExecution(t, e, &limits)

		var wg sync.WaitGroup
		var mu sync.Mutex
		created, rejected := 0, 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.CreateAgent(exec.ID, "agent", "worker", nil)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					created++
				} else if errors.Is(err, service.ErrCapacityExceeded) {
					rejected++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, created)
		assert.Equal(t, 15, rejected)
		got, err := e.GetExecution(exec.ID)
		assert.NoError(t, err)
		agents, err := e.ListAgents(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, len(agents), got.TotalAgents)
	})

	t.Run("MaxConversationLength", func(t *testing.T) {
		e := newEngine()
		limits := models.DefaultSwarmLimits()
		limits.MaxConversationLength = 1
		exec := createExecution(t, e, &limits)
		agent, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
		require.NoError(t, err)

		_, err = e.CreateTask(exec.ID, agent.ID, "first", 0)
		assert.NoError(t, err)
		_, err = e.CreateTask(exec.ID, agent.ID, "second", 0)
		assert.ErrorIs(t, err, service.ErrCapacityExceeded)
	})

	t.Run("MaxParallelAgents", func(t *testing.T) {
		e := newEngine()
		limits := models.DefaultSwarmLimits()
		limits.MaxParallelAgents = 1
		exec := createExecution(t, e, &limits)
		a1, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
		require.NoError(t, err)
		a2, err := e.CreateAgent(exec.ID, "a2", "writer", nil)
		require.NoError(t, err)

		busy, err := e.UpdateAgentStatus(a1.ID, models.BusyAgentStatus, strPtr("fetch source"))
		assert.NoError(t, err)
		assert.Equal(t, "fetch source", *busy.CurrentTask)
		assert.NotNil(t, busy.StartedAt)

		_, err = e.UpdateAgentStatus(a2.ID, models.BusyAgentStatus, nil)
		assert.ErrorIs(t, err, service.ErrCapacityExceeded)

		_, err = e.UpdateAgentStatus(a1.ID, models.IdleAgentStatus, nil)
		assert.NoError(t, err)
		_, err = e.UpdateAgentStatus(a2.ID, models.BusyAgentStatus, nil)
		assert.NoError(t, err)
	})

	t.Run("MaxActiveSwarms", func(t *testing.T) {
		e := newEngine()
		limits := models.DefaultSwarmLimits()
		limits.MaxActiveSwarms = 1
		first := createExecution(t, e, &limits)
		second := createExecution(t, e, &limits)

		_, err := e.UpdateExecutionStatus(first.ID, models.RunningExecutionStatus, nil, nil)
		assert.NoError(t, err)
		_, err = e.UpdateExecutionStatus(second.ID, models.RunningExecutionStatus, nil, nil)
		assert.ErrorIs(t, err, service.ErrCapacityExceeded)

		got, err := e.GetExecution(second.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingExecutionStatus, got.Status)
		assert.Nil(t, got.StartedAt)

		_, err = e.UpdateExecutionStatus(first.ID, models.CompletedExecutionStatus, nil, nil)
		assert.NoError(t, err)
		_, err = e.UpdateExecutionStatus(second.ID, models.RunningExecutionStatus, nil, nil)
		assert.NoError(t, err)
	})

	t.Run("SnapshotSurvivesDefaultChange", func(t *testing.T) {
		limits := models.DefaultSwarmLimits()
		limits.MaxSwarmSize = 1
		e := newEngine(service.WithLimits(limits))
		exec := createExecution(t, e, nil)
		assert.Equal(t, 1, exec.Config.MaxSwarmSize)

		_, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
		assert.NoError(t, err)
		_, err = e.CreateAgent(exec.ID, "a2", "writer", nil)
		assert.ErrorIs(t, err, service.ErrCapacityExceeded)
	})
}

func TestTasks(t *testing.T) {
	setup := func(t *testing.T, e *service.Engine, maxIterations int) (models.Execution, models.Agent) {
		limits := models.DefaultSwarmLimits()
		limits.MaxIterations = maxIterations
		exec := createExecution(t, e, &limits)
		agent, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
		require.NoError(t, err)
		return exec, agent
	}

	t.Run("IterationBound", func(t *testing.T) {
		e := newEngine()
		exec, agent := setup(t, e, 2)
		task, err := e.CreateTask(exec.ID, agent.ID, "loop", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, task.MaxIterations)
		_, err = e.UpdateTaskStatus(task.ID, models.RunningTaskStatus, nil, nil)
		require.NoError(t, err)

		for i := 1; i <= 2; i++ {
			got, err := e.IncrementTaskIteration(task.ID)
			assert.NoError(t, err)
			assert.Equal(t, i, got.Iterations)
		}

		got, err := e.IncrementTaskIteration(task.ID)
		assert.ErrorIs(t, err, service.ErrCapacityExceeded)
		assert.Equal(t, models.FailedTaskStatus, got.Status)
		assert.Equal(t, 2, got.Iterations)
		assert.NotNil(t, got.CompletedAt)
		assert.Contains(t, *got.Error, "max iterations")

		_, err = e.IncrementTaskIteration(task.ID)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
	})

	t.Run("TaskStateMachine", func(t *testing.T) {
		e := newEngine()
		exec, agent := setup(t, e, 10)
		task, err := e.CreateTask(exec.ID, agent.ID, "write", 0)
		require.NoError(t, err)

		_, err = e.UpdateTaskStatus(task.ID, models.CompletedTaskStatus, nil, nil)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)

		running, err := e.UpdateTaskStatus(task.ID, models.RunningTaskStatus, nil, nil)
		assert.NoError(t, err)
		assert.NotNil(t, running.StartedAt)

		done, err := e.UpdateTaskStatus(task.ID, models.CompletedTaskStatus, strPtr("draft"), nil)
		assert.NoError(t, err)
		assert.Equal(t, "draft", *done.Result)
		assert.NotNil(t, done.CompletedAt)

		_, err = e.UpdateTaskStatus(task.ID, models.RunningTaskStatus, nil, nil)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
	})

	t.Run("Subtasks", func(t *testing.T) {
		e := newEngine()
		exec, agent := setup(t, e, 10)
		parent, err := e.CreateTask(exec.ID, agent.ID, "report", 0)
		require.NoError(t, err)

		child, err := e.CreateSubtask(parent.ID, agent.ID, "section 1", 5, strPtr("proposal-1"))
		assert.NoError(t, err)
		assert.Equal(t, parent.ID, *child.ParentTaskID)
		assert.Equal(t, "proposal-1", *child.SubtaskRef)

		tasks, err := e.ListTasks(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, []string{parent.ID, child.ID}, []string{tasks[0].ID, tasks[1].ID})
		models.SortTasksForDisplay(tasks)
		assert.Equal(t, child.ID, tasks[0].ID)

		_, err = e.CreateSubtask("missing", agent.ID, "orphan", 0, nil)
		assert.ErrorIs(t, err, service.ErrNotFound)
		_, err = e.UpdateExecutionStatus(exec.ID, models.FailedExecutionStatus, nil, nil)
		require.NoError(t, err)
		_, err = e.CreateSubtask(parent.ID, agent.ID, "late", 0, nil)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
	})

	t.Run("AgentFromOtherExecution", func(t *testing.T) {
		e := newEngine()
		_, agent := setup(t, e, 10)
		other := createExecution(t, e, nil)
		_, err := e.CreateTask(other.ID, agent.ID, "steal", 0)
		assert.ErrorIs(t, err, service.ErrNotFound)

		got, err := e.GetExecution(other.ID)
		assert.NoError(t, err)
		assert.Equal(t, 0, got.TotalTasks)
	})
}

func TestToolInvocations(t *testing.T) {
	setup := func(t *testing.T, e *service.Engine) (models.Execution, models.Agent) {
		exec := createExecution(t, e, nil)
		agent, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
		require.NoError(t, err)
		return exec, agent
	}

	t.Run("ScenarioB_Approved", func(t *testing.T) {
		e := newEngine()
		exec, agent := setup(t, e)

		inv, err := e.CreateToolInvocation(service.NewToolInvocation{
			ExecutionID: exec.ID,
			AgentID:     agent.ID,
			ToolName:    "search_web",
			Arguments:   models.Fields{"query": "quarterly report"},
			ProviderID:  strPtr("tavily"),
		})
		assert.NoError(t, err)
		assert.Equal(t, models.PendingToolStatus, inv.Status)

		inv, err = e.ApproveToolExecution(inv.ID, true)
		assert.NoError(t, err)
		assert.Equal(t, models.ApprovedToolStatus, inv.Status)
		assert.True(t, inv.HumanApproved)
		assert.NotNil(t, inv.ApprovedAt)

		inv, err = e.UpdateToolExecutionStatus(inv.ID, models.ExecutingToolStatus, service.ToolOutcome{})
		assert.NoError(t, err)
		assert.NotNil(t, inv.StartedAt)

		duration := int64(1234)
		inv, err = e.UpdateToolExecutionStatus(inv.ID, models.CompletedToolStatus, service.ToolOutcome{Result: strPtr("3 hits"), DurationMs: &duration})
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedToolStatus, inv.Status)
		assert.NotNil(t, inv.CompletedAt)
		assert.Equal(t, int64(1234), *inv.ExecutionDuration)

		got, err := e.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, got.TotalToolInvocations)

		logs, err := e.ListLogs(exec.ID)
		assert.NoError(t, err)
		kinds := []models.LogKind{}
		for _, l := range logs {
			if l.ToolInvocationID != nil {
				kinds = append(kinds, l.Kind)
			}
		}
		assert.Equal(t, []models.LogKind{models.ToolRequestLog, models.StatusUpdateLog, models.StatusUpdateLog, models.ToolResultLog}, kinds)
		assert.Equal(t, "tavily", logs[2].Metadata["provider_id"])
	})

	t.Run("ScenarioC_Denied", func(t *testing.T) {
		e := newEngine()
		exec, agent := setup(t, e)
		inv, err := e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, ToolName: "search_web", ProviderID: strPtr("tavily")})
		require.NoError(t, err)

		inv, err = e.ApproveToolExecution(inv.ID, false)
		assert.NoError(t, err)
		assert.Equal(t, models.DeniedToolStatus, inv.Status)
		assert.False(t, inv.HumanApproved)

		_, err = e.UpdateToolExecutionStatus(inv.ID, models.ExecutingToolStatus, service.ToolOutcome{})
		assert.ErrorIs(t, err, service.ErrNotApproved)
		_, err = e.ApproveToolExecution(inv.ID, true)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
	})

	t.Run("PendingCannotExecute", func(t *testing.T) {
		e := newEngine()
		exec, agent := setup(t, e)
		inv, err := e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, ToolName: "read_file"})
		require.NoError(t, err)

		_, err = e.UpdateToolExecutionStatus(inv.ID, models.ExecutingToolStatus, service.ToolOutcome{})
		assert.ErrorIs(t, err, service.ErrNotApproved)
		_, err = e.UpdateToolExecutionStatus(inv.ID, models.ApprovedToolStatus, service.ToolOutcome{})
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
	})

	t.Run("AutoApprovedProvider", func(t *testing.T) {
		e := newEngine()
		exec, agent := setup(t, e)
		inv, err := e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, ToolName: "read_file", ProviderID: strPtr("local-fs")})
		assert.NoError(t, err)
		assert.Equal(t, models.ApprovedToolStatus, inv.Status)
		assert.False(t, inv.HumanApproved)

		inv, err = e.UpdateToolExecutionStatus(inv.ID, models.ExecutingToolStatus, service.ToolOutcome{})
		assert.NoError(t, err)
		inv, err = e.UpdateToolExecutionStatus(inv.ID, models.FailedToolStatus, service.ToolOutcome{Error: strPtr("permission denied")})
		assert.NoError(t, err)
		assert.Equal(t, "permission denied", *inv.Error)

		logs, err := e.ListLogs(exec.ID)
		assert.NoError(t, err)
		last := logs[len(logs)-1]
		assert.Equal(t, models.StatusUpdateLog, last.Kind)
		assert.Equal(t, "permission denied", last.Metadata["error"])
	})

	t.Run("TaskFromOtherExecution", func(t *testing.T) {
		e := newEngine()
		exec, agent := setup(t, e)
		otherExec, otherAgent := setup(t, e)
		task, err := e.CreateTask(otherExec.ID, otherAgent.ID, "other", 0)
		require.NoError(t, err)

		_, err = e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, ToolName: "x", TaskID: &task.ID})
		assert.ErrorIs(t, err, service.ErrNotFound)
	})
}

func TestWaitForApproval(t *testing.T) {
	setup := func(t *testing.T, e *service.Engine) models.ToolInvocation {
		exec := createExecution(t, e, nil)
		agent, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
		require.NoError(t, err)
		inv, err := e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, ToolName: "search_web"})
		require.NoError(t, err)
		return inv
	}

	t.Run("WakesOnDecision", func(t *testing.T) {
		e := newEngine()
		inv := setup(t, e)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = e.ApproveToolExecution(inv.ID, true)
		}()
		got, err := e.WaitForApproval(context.Background(), inv.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.ApprovedToolStatus, got.Status)
	})

	t.Run("AlreadyDecided", func(t *testing.T) {
		e := newEngine()
		inv := setup(t, e)
		_, err := e.ApproveToolExecution(inv.ID, false)
		require.NoError(t, err)

		got, err := e.WaitForApproval(context.Background(), inv.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.DeniedToolStatus, got.Status)
	})

	t.Run("TimeoutDenies", func(t *testing.T) {
		e := newEngine(service.WithApprovalTimeout(20 * time.Millisecond))
		inv := setup(t, e)

		got, err := e.WaitForApproval(context.Background(), inv.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.DeniedToolStatus, got.Status)
		assert.Equal(t, "approval timed out", *got.Error)
	})

	t.Run("DeadlineDenies", func(t *testing.T) {
		e := newEngine()
		inv := setup(t, e)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		got, err := e.WaitForApproval(ctx, inv.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.DeniedToolStatus, got.Status)
	})

	t.Run("PurgeWakesWaiter", func(t *testing.T) {
		e := newEngine()
		inv := setup(t, e)

		done := make(chan error, 1)
		go func() {
			_, err := e.WaitForApproval(context.Background(), inv.ID)
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, e.PurgeExecution(inv.ExecutionID))

		select {
		case err := <-done:
			assert.ErrorIs(t, err, service.ErrNotFound)
		case <-time.After(time.Second):
			t.Fatal("waiter still blocked after purge")
		}
	})

	t.Run("CancelLeavesPending", func(t *testing.T) {
		e := newEngine()
		inv := setup(t, e)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := e.WaitForApproval(ctx, inv.ID)
		assert.ErrorIs(t, err, context.Canceled)
		got, err := e.GetToolInvocation(inv.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingToolStatus, got.Status)
	})
}

// failingLogStore refuses every audit write.
type failingLogStore struct {
	storage.Store
}

func (s failingLogStore) Begin() (storage.Store, error) {
	tx, err := s.Store.Begin()
	if err != nil {
		return nil, err
	}
	return failingLogStore{tx}, nil
}

func (s failingLogStore) AddLog(models.LogEntry) error {
	return errors.New("log table unavailable")
}

// failingCounterStore fails increments of one execution counter.
type failingCounterStore struct {
	storage.Store
	counter models.Counter
}

func (s failingCounterStore) Begin() (storage.Store, error) {
	tx, err := s.Store.Begin()
	if err != nil {
		return nil, err
	}
	return failingCounterStore{tx, s.counter}, nil
}

func (s failingCounterStore) IncrementExecutionCounter(id string, counter models.Counter) (int, error) {
	if counter == s.counter {
		return 0, errors.New("disk full")
	}
	return s.Store.IncrementExecutionCounter(id, counter)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (s *recordingSink) Record(entry models.LogEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func TestAuditLogFailures(t *testing.T) {
	sink := &recordingSink{}
	e := service.NewEngine(failingLogStore{storage.NewMemoryStore()}, nil, logger{}, service.WithFallbackSink(sink))

	exec, err := e.CreateExecution(service.NewExecution{TaskDescription: "summarize report"})
	require.NoError(t, err)
	_, err = e.UpdateExecutionStatus(exec.ID, models.RunningExecutionStatus, nil, nil)
	assert.NoError(t, err)
	agent, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
	assert.NoError(t, err)
	inv, err := e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, ToolName: "search_web"})
	assert.NoError(t, err)
	_, err = e.ApproveToolExecution(inv.ID, true)
	assert.NoError(t, err)
	e.AddLog(exec.ID, models.WarningLog, "slow provider", service.LogRefs{})

	got, err := e.GetExecution(exec.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.RunningExecutionStatus, got.Status)
	assert.Equal(t, 1, got.TotalAgents)
	assert.Equal(t, int64(6), e.DroppedLogs())
	assert.Len(t, sink.entries, 6)
}

func TestCoreWriteFailuresRollBack(t *testing.T) {
	setup := func(t *testing.T, counter models.Counter) (*service.Engine, models.Execution, models.Agent) {
		mem := storage.NewMemoryStore()
		seeder := service.NewEngine(mem, nil, logger{})
		exec, err := seeder.CreateExecution(service.NewExecution{TaskDescription: "summarize report"})
		require.NoError(t, err)
		var agent models.Agent
		if counter != models.AgentsCounter {
			agent, err = seeder.CreateAgent(exec.ID, "a1", "researcher", nil)
			require.NoError(t, err)
		}
		return service.NewEngine(failingCounterStore{mem, counter}, nil, logger{}), exec, agent
	}

	t.Run("CreateAgent", func(t *testing.T) {
		e, exec, _ := setup(t, models.AgentsCounter)
		_, err := e.CreateAgent(exec.ID, "a1", "researcher", []string{"web"})
		assert.ErrorIs(t, err, service.ErrPersistence)

		agents, err := e.ListAgents(exec.ID)
		assert.NoError(t, err)
		assert.Empty(t, agents)
		got, err := e.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, 0, got.TotalAgents)
	})

	t.Run("CreateTask", func(t *testing.T) {
		e, exec, agent := setup(t, models.TasksCounter)
		_, err := e.CreateTask(exec.ID, agent.ID, "fetch", 0)
		assert.ErrorIs(t, err, service.ErrPersistence)

		tasks, err := e.ListTasks(exec.ID)
		assert.NoError(t, err)
		assert.Empty(t, tasks)
		got, err := e.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, 0, got.TotalTasks)
	})

	t.Run("CreateToolInvocation", func(t *testing.T) {
		e, exec, agent := setup(t, models.ToolInvocationsCounter)
		logsBefore, err := e.ListLogs(exec.ID)
		require.NoError(t, err)

		_, err = e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, ToolName: "search_web"})
		assert.ErrorIs(t, err, service.ErrPersistence)

		invs, err := e.ListToolInvocations(exec.ID)
		assert.NoError(t, err)
		assert.Empty(t, invs)
		got, err := e.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, 0, got.TotalToolInvocations)
		logs, err := e.ListLogs(exec.ID)
		assert.NoError(t, err)
		assert.Len(t, logs, len(logsBefore))
	})
}

func TestCallerBuffersAreCopied(t *testing.T) {
	e := newEngine()
	limits := models.DefaultSwarmLimits()
	exec := createExecution(t, e, &limits)
	exec.Config.MaxSwarmSize = 1
	limits.MaxSwarmSize = 1

	expertise := []string{"web"}
	agent, err := e.CreateAgent(exec.ID, "a1", "researcher", expertise)
	require.NoError(t, err)
	expertise[0] = "changed"
	_, err = e.CreateAgent(exec.ID, "a2", "writer", nil)
	assert.NoError(t, err, "limits captured at creation must not change")

	args := models.Fields{"query": "swarm", "filters": map[string]any{"lang": "en"}}
	inv, err := e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, ToolName: "search_web", Arguments: args})
	require.NoError(t, err)
	args["query"] = "changed"
	args["filters"].(map[string]any)["lang"] = "changed"

	got, err := e.GetToolInvocation(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "swarm", got.Arguments["query"])
	got.Arguments["query"] = "changed"
	again, err := e.GetToolInvocation(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "swarm", again.Arguments["query"])

	gotAgent, err := e.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StringList{"web"}, gotAgent.Expertise)

	logs, err := e.ListLogs(exec.ID)
	require.NoError(t, err)
	for _, l := range logs {
		switch {
		case l.Kind == models.ToolRequestLog:
			logged := l.Metadata["arguments"].(map[string]any)
			assert.Equal(t, "swarm", logged["query"])
			assert.Equal(t, "en", logged["filters"].(map[string]any)["lang"])
		case l.AgentID != nil && *l.AgentID == agent.ID && l.Metadata["expertise"] != nil:
			assert.Equal(t, []string{"web"}, l.Metadata["expertise"])
		}
	}
}

func TestAddLog(t *testing.T) {
	e := newEngine()
	exec := createExecution(t, e, nil)
	e.AddLog(exec.ID, models.WarningLog, "rate limited", service.LogRefs{Metadata: models.Fields{"retry_in": 5}})
	e.AddLog(exec.ID, "bogus", "odd kind", service.LogRefs{})
	e.AddLog("missing", models.InfoLog, "lost", service.LogRefs{})

	logs, err := e.ListLogs(exec.ID)
	assert.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, models.WarningLog, logs[1].Kind)
	assert.Equal(t, models.InfoLog, logs[2].Kind)
	assert.Equal(t, int64(1), e.DroppedLogs())
}

func TestPurgeExecution(t *testing.T) {
	e := newEngine()
	exec := createExecution(t, e, nil)
	agent, err := e.CreateAgent(exec.ID, "a1", "researcher", nil)
	require.NoError(t, err)
	task, err := e.CreateTask(exec.ID, agent.ID, "fetch", 0)
	require.NoError(t, err)
	inv, err := e.CreateToolInvocation(service.NewToolInvocation{ExecutionID: exec.ID, AgentID: agent.ID, TaskID: &task.ID, ToolName: "search_web"})
	require.NoError(t, err)
	keep := createExecution(t, e, nil)

	assert.NoError(t, e.PurgeExecution(exec.ID))

	_, err = e.GetExecution(exec.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
	_, err = e.GetAgent(agent.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
	_, err = e.GetTask(task.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
	_, err = e.GetToolInvocation(inv.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
	logs, err := e.ListLogs(exec.ID)
	assert.NoError(t, err)
	assert.Empty(t, logs)

	_, err = e.GetExecution(keep.ID)
	assert.NoError(t, err)
	assert.ErrorIs(t, e.PurgeExecution(exec.ID), service.ErrNotFound)
}

func TestSnapshot(t *testing.T) {
	e := newEngine()
	exec := createExecution(t, e, nil)
	agent, err := e.CreateAgent(exec.ID, "a1", "researcher", []string{"web"})
	require.NoError(t, err)
	_, err = e.CreateTask(exec.ID, agent.ID, "fetch", 0)
	require.NoError(t, err)

	snap, err := e.Snapshot(exec.ID)
	assert.NoError(t, err)
	assert.Equal(t, exec.ID, snap.Execution.ID)
	assert.Len(t, snap.Agents, 1)
	assert.Equal(t, models.StringList{"web"}, snap.Agents[0].Expertise)
	assert.Len(t, snap.Tasks, 1)
	assert.Empty(t, snap.ToolInvocations)
	assert.Len(t, snap.Logs, 3)

	_, err = e.Snapshot("missing")
	assert.ErrorIs(t, err, service.ErrNotFound)
}
