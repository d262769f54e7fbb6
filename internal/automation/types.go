// Package automation defines the deployed automation specification, the
// per-run result types, and the adapter contracts the runtime depends on
// (tool registry aside, which lives in internal/tools).
package automation

import (
	"fmt"
	"time"

	"runbook/internal/condition"
)

// TriggerType identifies how an automation is fired.
type TriggerType string

const (
	TriggerManual            TriggerType = "manual"
	TriggerWebhook           TriggerType = "webhook"
	TriggerPolling           TriggerType = "polling"
	TriggerScheduleOnce      TriggerType = "schedule_once"
	TriggerScheduleRecurring TriggerType = "schedule_recurring"
)

// Deployment statuses.
const (
	StatusActive        = "active"
	StatusPendingReview = "pending_review"
	StatusPaused        = "paused"
)

// UsageLimitError is the structured error identifier returned by service
// tools when a per-user usage limit is hit. Detecting it halts execution.
const UsageLimitError = "USAGE_LIMIT_EXCEEDED"

// Action is a single tool invocation step.
type Action struct {
	ID         string               `json:"id,omitempty" yaml:"id,omitempty"`
	Tool       string               `json:"tool" yaml:"tool"`
	Parameters map[string]any       `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Condition  *condition.Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	OutputAs   string               `json:"output_as,omitempty" yaml:"output_as,omitempty"`
}

// ActionID returns the explicit id, or a synthesized action_<i> fallback.
func (a Action) ActionID(index int) string {
	if a.ID != "" {
		return a.ID
	}
	return fmt.Sprintf("action_%d", index)
}

// Spec is a deployed automation definition.
type Spec struct {
	ID          string         `json:"id,omitempty" yaml:"id,omitempty"`
	UserID      string         `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType TriggerType    `json:"trigger_type" yaml:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty" yaml:"trigger_config,omitempty"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Actions     []Action       `json:"actions" yaml:"actions"`

	// Lifecycle fields managed by the runtime, not authored.
	Status      string     `json:"status,omitempty" yaml:"-"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" yaml:"-"`

	// Polling bookkeeping, set at deploy time for polling automations.
	NextPollAt             *time.Time `json:"next_poll_at,omitempty" yaml:"-"`
	PollingIntervalMinutes int        `json:"polling_interval_minutes,omitempty" yaml:"-"`
	LastPollCursor         string     `json:"last_poll_cursor,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// UserInfo is the profile data seeded into the execution context under the
// reserved "user" key.
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Timezone string `json:"timezone"`
	Phone    string `json:"phone,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Document renders the user info as a context document. The timezone
// defaults to UTC when unset.
func (u *UserInfo) Document() map[string]any {
	doc := map[string]any{
		"id":       u.ID,
		"email":    u.Email,
		"timezone": u.Timezone,
	}
	if u.Timezone == "" {
		doc["timezone"] = "UTC"
	}
	if u.Phone != "" {
		doc["phone"] = u.Phone
	}
	if u.Name != "" {
		doc["name"] = u.Name
	}
	return doc
}

// ExecutionStatus classifies the outcome of one automation run.
type ExecutionStatus string

const (
	StatusRunning            ExecutionStatus = "running"
	StatusCompleted          ExecutionStatus = "completed"
	StatusPartialFailure     ExecutionStatus = "partial_failure"
	StatusFailed             ExecutionStatus = "failed"
	StatusUsageLimitExceeded ExecutionStatus = "usage_limit_exceeded"
)

// ActionResult records the outcome of a single action, skipped ones
// included.
type ActionResult struct {
	ActionID        string `json:"action_id"`
	Tool            string `json:"tool"`
	Success         bool   `json:"success"`
	DurationMS      int64  `json:"duration_ms"`
	Output          any    `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	Skipped         bool   `json:"skipped,omitempty"`
	ConditionResult *bool  `json:"condition_result,omitempty"`
}

// ExecutionResult is the complete outcome of one automation run. Execution
// never raises; every path is encoded here.
type ExecutionResult struct {
	Success         bool            `json:"success"`
	Status          ExecutionStatus `json:"status"`
	ActionsExecuted int             `json:"actions_executed"`
	ActionsFailed   int             `json:"actions_failed"`
	ActionResults   []ActionResult  `json:"action_results"`
	DurationMS      int64           `json:"duration_ms"`
	ErrorSummary    string          `json:"error_summary,omitempty"`
}
