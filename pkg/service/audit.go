package service

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"
)

// FallbackSink receives audit entries the store refused.
type FallbackSink interface {
	Record(entry models.LogEntry, err error)
}

type loggerSink struct {
	logger Logger
}

func (s loggerSink) Record(entry models.LogEntry, err error) {
	s.logger.Errorf("Failed to persist %s log for execution %s (%q): %v", entry.Kind, entry.ExecutionID, entry.Message, err)
}

// auditLog appends entries best-effort: a failed write goes to the fallback
// sink and never reaches the caller of the transition that produced it.
type auditLog struct {
	fallback FallbackSink
	dropped  atomic.Int64
}

func newAuditLog(logger Logger) *auditLog {
	return &auditLog{fallback: loggerSink{logger: logger}}
}

func (a *auditLog) append(tx storage.Store, entry models.LogEntry, at time.Time) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = at
	if err := tx.AddLog(entry); err != nil {
		a.dropped.Add(1)
		a.fallback.Record(entry, err)
	}
}

// LogRefs optionally ties an audit entry to entities of the execution.
type LogRefs struct {
	AgentID          *string
	TaskID           *string
	ToolInvocationID *string
	Metadata         models.Fields
}

// AddLog appends a caller-supplied audit entry. It never fails: entries that
// cannot be stored are handed to the fallback sink.
func (e *Engine) AddLog(executionID string, kind models.LogKind, message string, refs LogRefs) {
	entry := models.LogEntry{
		ExecutionID:      executionID,
		AgentID:          refs.AgentID,
		TaskID:           refs.TaskID,
		ToolInvocationID: refs.ToolInvocationID,
		Kind:             kind,
		Message:          message,
		Metadata:         refs.Metadata,
	}
	if !kind.Valid() {
		e.logger.Warnf("Unknown log kind '%s' for execution %s, recording as info", kind, executionID)
		entry.Kind = models.InfoLog
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.store.Begin()
	if err != nil {
		e.audit.dropped.Add(1)
		e.audit.fallback.Record(entry, err)
		return
	}
	e.audit.append(tx, entry, e.now())
	if err := tx.Commit(); err != nil {
		e.audit.dropped.Add(1)
		e.audit.fallback.Record(entry, err)
	}
}

// DroppedLogs reports how many audit entries went to the fallback sink.
func (e *Engine) DroppedLogs() int64 {
	return e.audit.dropped.Load()
}

func (e *Engine) ListLogs(executionID string) ([]models.LogEntry, error) {
	logs, err := e.store.ListLogs(executionID)
	if err != nil {
		return nil, storeError(err, "list logs")
	}
	return logs, nil
}
