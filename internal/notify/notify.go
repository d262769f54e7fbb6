// Package notify provides the default notification adapter. Deployments with
// a real delivery channel (push, email) supply their own automation.Notifier;
// this one writes structured log records, which is enough for local and
// single-binary use.
package notify

import (
	"context"

	"go.uber.org/zap"

	"runbook/internal/automation"
)

// LogNotifier emits notifications as structured log records.
type LogNotifier struct {
	log *zap.Logger
}

var _ automation.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier writing through the given logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) NotifyUsageLimitExceeded(_ context.Context, userID, automationID, automationName string) error {
	n.log.Warn("notification: usage limit exceeded",
		zap.String("user_id", userID),
		zap.String("automation_id", automationID),
		zap.String("automation_name", automationName))
	return nil
}

func (n *LogNotifier) NotifyAutomationFailed(_ context.Context, userID, automationID, automationName, errorSummary string) error {
	n.log.Warn("notification: automation failed",
		zap.String("user_id", userID),
		zap.String("automation_id", automationID),
		zap.String("automation_name", automationName),
		zap.String("error_summary", errorSummary))
	return nil
}

func (n *LogNotifier) NotifyCustom(_ context.Context, userID, title, body string) error {
	n.log.Info("notification",
		zap.String("user_id", userID),
		zap.String("title", title),
		zap.String("body", body))
	return nil
}
