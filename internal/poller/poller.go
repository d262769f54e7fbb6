// Package poller runs the polling trigger cycle: find due automations, call
// each one's source tool, turn returned items into trigger data, and execute
// the action list once per matching item.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"runbook/internal/automation"
	"runbook/internal/condition"
	"runbook/internal/executor"
	"runbook/internal/template"
	"runbook/internal/tools"
)

// Store is the storage surface the poller needs.
type Store interface {
	DueAutomations(ctx context.Context, now time.Time, limit int) ([]*automation.Spec, error)
	MarkPolled(ctx context.Context, id string, nextPollAt time.Time, cursor string) error
	LogExecution(ctx context.Context, automationID, userID string, entry map[string]any) (string, error)
}

// Options tunes one polling sweep.
type Options struct {
	// BatchSize caps how many due automations one sweep picks up.
	BatchSize int
	// Parallelism caps concurrent automations per sweep.
	Parallelism int
	// ActionTimeout is passed through to the executor.
	ActionTimeout time.Duration
}

// Poller sweeps due polling automations.
type Poller struct {
	store    Store
	registry tools.Registry
	exec     *executor.Executor
	notifier automation.Notifier
	users    automation.UserProvider
	log      *zap.Logger

	nowFunc func() time.Time
}

// New creates a poller. The notifier and user provider may be nil.
func New(store Store, registry tools.Registry, exec *executor.Executor, notifier automation.Notifier, users automation.UserProvider, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:    store,
		registry: registry,
		exec:     exec,
		notifier: notifier,
		users:    users,
		log:      logger,
		nowFunc:  time.Now,
	}
}

// SweepStats summarizes one polling sweep.
type SweepStats struct {
	Due        int
	Polled     int
	Triggered  int
	PollErrors int
}

// RunOnce performs a single sweep over every due automation. Per-automation
// failures are logged and counted; only storage-level failures abort the
// sweep.
func (p *Poller) RunOnce(ctx context.Context, opts Options) (SweepStats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}

	now := p.nowFunc().UTC()
	due, err := p.store.DueAutomations(ctx, now, opts.BatchSize)
	if err != nil {
		return SweepStats{}, fmt.Errorf("query due automations: %w", err)
	}

	stats := SweepStats{Due: len(due)}
	if len(due) == 0 {
		return stats, nil
	}

	type pollOutcome struct {
		triggered int
		err       error
	}
	outcomes := make([]pollOutcome, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for i, spec := range due {
		i, spec := i, spec
		g.Go(func() error {
			triggered, err := p.pollOne(gctx, spec, opts)
			outcomes[i] = pollOutcome{triggered: triggered, err: err}
			// Errors stay per-automation; do not cancel siblings.
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	for i, outcome := range outcomes {
		if outcome.err != nil {
			stats.PollErrors++
			p.log.Error("poll cycle failed",
				zap.String("automation_id", due[i].ID), zap.Error(outcome.err))
			continue
		}
		stats.Polled++
		stats.Triggered += outcome.triggered
	}
	return stats, nil
}

// pollOne runs one automation's poll cycle and returns how many items
// triggered an execution.
func (p *Poller) pollOne(ctx context.Context, spec *automation.Spec, opts Options) (int, error) {
	sourceTool, _ := spec.TriggerConfig["source_tool"].(string)
	if sourceTool == "" {
		return 0, fmt.Errorf("missing trigger_config.source_tool")
	}

	items, err := p.fetchItems(ctx, spec, sourceTool)
	if err != nil {
		return 0, err
	}

	filter, err := filterCondition(spec.TriggerConfig)
	if err != nil {
		return 0, fmt.Errorf("decode filter: %w", err)
	}

	userInfo := p.userInfo(ctx, spec.UserID)

	triggered := 0
	cursor := spec.LastPollCursor
	for _, item := range items {
		triggerData := executor.Normalize(item)

		if itemDay := itemDate(triggerData); itemDay != "" {
			// Day-cursored sources: skip items already seen in a previous
			// cycle, and advance the cursor past new ones.
			if spec.LastPollCursor != "" && itemDay <= spec.LastPollCursor {
				continue
			}
			if itemDay > cursor {
				cursor = itemDay
			}
		}

		if filter != nil && !condition.Evaluate(filter, filterContext(triggerData, userInfo)) {
			continue
		}

		result := p.exec.Execute(ctx, executor.Request{
			Actions:          spec.Actions,
			Variables:        spec.Variables,
			TriggerData:      triggerData,
			UserID:           spec.UserID,
			UserInfo:         userInfo,
			AutomationID:     spec.ID,
			AutomationName:   spec.Name,
			TimeoutPerAction: opts.ActionTimeout,
		})
		triggered++
		p.record(ctx, spec, result)
	}

	next := p.nowFunc().UTC().Add(time.Duration(spec.PollingIntervalMinutes) * time.Minute)
	if err := p.store.MarkPolled(ctx, spec.ID, next, cursor); err != nil {
		return triggered, fmt.Errorf("mark polled: %w", err)
	}

	p.log.Info("poll cycle complete",
		zap.String("automation_id", spec.ID),
		zap.Int("items", len(items)),
		zap.Int("triggered", triggered))
	return triggered, nil
}

// fetchItems calls the source tool and shapes its output into a list of
// items. Single-object output becomes a one-item list.
func (p *Poller) fetchItems(ctx context.Context, spec *automation.Spec, sourceTool string) ([]any, error) {
	params := map[string]any{}
	if configured, ok := spec.TriggerConfig["tool_params"].(map[string]any); ok {
		for key, value := range configured {
			if s, ok := value.(string); ok {
				params[key] = template.ResolveDatesUTC(s)
				continue
			}
			params[key] = value
		}
	}

	raw, err := p.registry.ExecuteTool(ctx, sourceTool, params, spec.UserID)
	if err != nil {
		return nil, fmt.Errorf("source tool %s: %w", sourceTool, err)
	}

	output := raw
	if s, ok := raw.(string); ok {
		output = executor.ExtractJSON(s)
	}

	switch v := output.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, key := range []string{"data", "items", "results"} {
			if seq, ok := v[key].([]any); ok {
				return seq, nil
			}
		}
		return []any{v}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("source tool %s returned unstructured output", sourceTool)
	}
}

// record writes the execution log and sends the failure notification for
// fully failed runs. Neither failure aborts the cycle.
func (p *Poller) record(ctx context.Context, spec *automation.Spec, result *automation.ExecutionResult) {
	entry := map[string]any{
		"status":           string(result.Status),
		"success":          result.Success,
		"actions_executed": result.ActionsExecuted,
		"actions_failed":   result.ActionsFailed,
		"duration_ms":      result.DurationMS,
		"trigger_type":     string(automation.TriggerPolling),
	}
	if result.ErrorSummary != "" {
		entry["error_summary"] = result.ErrorSummary
	}
	if _, err := p.store.LogExecution(ctx, spec.ID, spec.UserID, entry); err != nil {
		p.log.Error("failed to log execution",
			zap.String("automation_id", spec.ID), zap.Error(err))
	}

	if result.Status == automation.StatusFailed && p.notifier != nil {
		if err := p.notifier.NotifyAutomationFailed(ctx, spec.UserID, spec.ID, spec.Name, result.ErrorSummary); err != nil {
			p.log.Error("failed to send failure notification",
				zap.String("automation_id", spec.ID), zap.Error(err))
		}
	}
}

func (p *Poller) userInfo(ctx context.Context, userID string) *automation.UserInfo {
	if p.users == nil {
		return nil
	}
	info, err := p.users.GetUserInfo(ctx, userID)
	if err != nil {
		p.log.Warn("failed to load user info", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return info
}

// filterCondition decodes the optional trigger filter into a condition.
func filterCondition(triggerConfig map[string]any) (*condition.Condition, error) {
	raw, ok := triggerConfig["filter"]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var cond condition.Condition
	if err := json.Unmarshal(encoded, &cond); err != nil {
		return nil, err
	}
	return &cond, nil
}

// filterContext is the document trigger filters evaluate against: item
// fields at the root plus the reserved trigger_data key, matching what the
// executor builds.
func filterContext(triggerData map[string]any, userInfo *automation.UserInfo) map[string]any {
	context := make(map[string]any, len(triggerData)+2)
	for key, value := range triggerData {
		context[key] = value
	}
	context["trigger_data"] = triggerData
	if userInfo != nil {
		context["user"] = userInfo.Document()
	}
	return context
}

// itemDate extracts the day-granular date field used for cursor dedup, when
// the source provides one.
func itemDate(item map[string]any) string {
	for _, key := range []string{"day", "date"} {
		if s, ok := item[key].(string); ok && len(s) >= 10 {
			return s[:10]
		}
	}
	return ""
}
