package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

const (
	// DefaultWatchdogInterval is how often the watchdog looks for stale tasks.
	DefaultWatchdogInterval = 30 * time.Second
)

// FailStaleTasks fails every running task that started more than timeout
// ago. It returns the number of tasks it failed.
func (e *Engine) FailStaleTasks(timeout time.Duration) (int, error) {
	running, err := e.store.ListTasksByStatus(models.RunningTaskStatus)
	if err != nil {
		return 0, storeError(err, "list running tasks")
	}
	cutoff := e.now().Add(-timeout)
	failed := 0
	for _, task := range running {
		if task.StartedAt == nil || task.StartedAt.After(cutoff) {
			continue
		}
		msg := fmt.Sprintf("task timed out after %s", timeout)
		_, err := e.UpdateTaskStatus(task.ID, models.FailedTaskStatus, nil, &msg)
		switch {
		case err == nil:
			failed++
			e.logger.Warnf("Task %s in execution %s timed out", task.ID, task.ExecutionID)
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
			// Finished or purged since the scan.
		default:
			return failed, err
		}
	}
	return failed, nil
}

// Watchdog periodically fails tasks that stay running longer than a deadline.
type Watchdog struct {
	engine   *Engine
	timeout  time.Duration
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewWatchdog(engine *Engine, timeout, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{engine: engine, timeout: timeout, interval: interval}
}

// Start runs the watchdog until ctx is done or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.engine.FailStaleTasks(w.timeout); err != nil {
					w.engine.logger.Errorf("Watchdog sweep failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the watchdog and waits for an in-flight sweep to finish.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
