package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	SetLevel(os.Getenv("LOG_LEVEL"))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// SetLevel applies one of DEBUG, INFO, WARN or ERROR; anything else means INFO.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "WARN":
		logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

// AuditFallback writes audit entries the store refused to the process log.
type AuditFallback struct {
	Logger *logrus.Logger
}

func (f AuditFallback) Record(entry models.LogEntry, err error) {
	fields := logrus.Fields{
		"execution_id": entry.ExecutionID,
		"kind":         entry.Kind,
		"created_at":   entry.CreatedAt,
	}
	if entry.AgentID != nil {
		fields["agent_id"] = *entry.AgentID
	}
	if entry.TaskID != nil {
		fields["task_id"] = *entry.TaskID
	}
	if entry.ToolInvocationID != nil {
		fields["tool_invocation_id"] = *entry.ToolInvocationID
	}
	for k, v := range entry.Metadata {
		fields["meta."+k] = v
	}
	f.Logger.WithFields(fields).WithError(err).Error(entry.Message)
}
