package automation

import (
	"context"
	"errors"
)

// ErrNotFound is returned by storage adapters when an automation does not
// exist or is not owned by the requesting user.
var ErrNotFound = errors.New("automation not found")

// Store persists automations, execution logs, and service capability
// metadata. Implementations must be safe for concurrent use.
type Store interface {
	GetAutomation(ctx context.Context, id, userID string) (*Spec, error)
	CreateAutomation(ctx context.Context, userID string, spec *Spec) (string, error)
	UpdateAutomation(ctx context.Context, id, userID string, updates map[string]any) (bool, error)
	DeleteAutomation(ctx context.Context, id, userID string) (bool, error)
	ListAutomations(ctx context.Context, userID, status string) ([]*Spec, error)

	// LogExecution appends one execution log entry and returns its id.
	LogExecution(ctx context.Context, automationID, userID string, entry map[string]any) (string, error)

	// GetServiceCapabilities returns webhook/polling capability metadata for
	// a service, or nil when the service is unknown.
	GetServiceCapabilities(ctx context.Context, service string) (map[string]any, error)
}

// Notifier delivers out-of-band notifications. Notification failures are
// logged and swallowed by callers; they never escalate into execution
// failures.
type Notifier interface {
	NotifyUsageLimitExceeded(ctx context.Context, userID, automationID, automationName string) error
	NotifyAutomationFailed(ctx context.Context, userID, automationID, automationName, errorSummary string) error
	NotifyCustom(ctx context.Context, userID, title, body string) error
}

// UserProvider resolves user profile data for the execution context.
type UserProvider interface {
	// GetUserInfo returns the user's profile, or nil when unknown.
	GetUserInfo(ctx context.Context, userID string) (*UserInfo, error)
}
