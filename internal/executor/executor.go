// Package executor drives the declarative automation loop: for each action
// in spec order it gates on the condition, resolves templated parameters,
// invokes the tool under a per-action timeout, classifies the outcome, and
// publishes normalized output into the rolling execution context.
//
// Execute never returns an error for action failures; every outcome is
// encoded in the ExecutionResult.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"runbook/internal/automation"
	"runbook/internal/condition"
	"runbook/internal/template"
	"runbook/internal/tools"
)

// DefaultActionTimeout bounds a single tool invocation.
const DefaultActionTimeout = 30 * time.Second

// Request carries everything needed for one automation run.
type Request struct {
	Actions     []automation.Action
	Variables   map[string]any
	TriggerData map[string]any

	UserID   string
	UserInfo *automation.UserInfo

	// Optional identifiers used for quota notifications and logging.
	AutomationID   string
	AutomationName string
	RequestID      string

	// TimeoutPerAction defaults to DefaultActionTimeout when zero.
	TimeoutPerAction time.Duration
}

// Executor runs automations against a tool registry.
type Executor struct {
	registry tools.Registry
	notifier automation.Notifier
	log      *zap.Logger
}

// New creates an executor. The notifier may be nil, in which case quota
// notifications are skipped.
func New(registry tools.Registry, notifier automation.Notifier, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: registry, notifier: notifier, log: logger}
}

// Execute runs the action list sequentially and classifies the overall
// outcome. The returned result always has one ActionResult per action, in
// spec order, skipped actions included.
func (e *Executor) Execute(ctx context.Context, req Request) *automation.ExecutionResult {
	start := time.Now()
	timeout := req.TimeoutPerAction
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}

	execContext := buildContext(req)

	var (
		actionResults   []automation.ActionResult
		actionsExecuted int
		actionsFailed   int
		errorSummaries  []string
	)

	for i, action := range req.Actions {
		actionID := action.ActionID(i)
		actionStart := time.Now()

		if action.Condition != nil {
			if !condition.Evaluate(action.Condition, execContext) {
				actionResults = append(actionResults, automation.ActionResult{
					ActionID:        actionID,
					Tool:            action.Tool,
					Success:         true, // not a failure, just skipped
					DurationMS:      time.Since(actionStart).Milliseconds(),
					Skipped:         true,
					ConditionResult: boolPtr(false),
				})
				e.log.Info("action skipped, condition not met",
					zap.String("action_id", actionID), zap.String("tool", action.Tool))
				continue
			}
		}

		resolvedParams := template.ResolveParameters(action.Parameters, execContext)

		e.log.Info("executing action",
			zap.String("action_id", actionID), zap.String("tool", action.Tool))

		success, output, errMsg := e.invokeTool(ctx, action.Tool, resolvedParams, req, timeout)
		durationMS := time.Since(actionStart).Milliseconds()
		actionsExecuted++

		// A structured USAGE_LIMIT_EXCEEDED result halts the whole run.
		if success && isUsageLimitError(output) {
			return e.finishUsageLimited(ctx, req, output, actionResults, automation.ActionResult{
				ActionID:        actionID,
				Tool:            action.Tool,
				Success:         false,
				DurationMS:      durationMS,
				ConditionResult: conditionResult(action),
			}, actionsExecuted, start)
		}

		if success {
			if action.OutputAs != "" {
				execContext[action.OutputAs] = e.bindableOutput(actionID, output)
			}
			actionResults = append(actionResults, automation.ActionResult{
				ActionID:        actionID,
				Tool:            action.Tool,
				Success:         true,
				DurationMS:      durationMS,
				Output:          output,
				ConditionResult: conditionResult(action),
			})
			e.log.Info("action completed", zap.String("action_id", actionID))
			continue
		}

		actionsFailed++
		errorSummaries = append(errorSummaries, fmt.Sprintf("%s: %s", actionID, errMsg))
		actionResults = append(actionResults, automation.ActionResult{
			ActionID:        actionID,
			Tool:            action.Tool,
			Success:         false,
			DurationMS:      durationMS,
			Error:           errMsg,
			ConditionResult: conditionResult(action),
		})
		e.log.Warn("action failed",
			zap.String("action_id", actionID), zap.String("error", errMsg))
		// Soft failure policy: keep going.
	}

	status, overallSuccess := classify(actionsExecuted, actionsFailed)
	return &automation.ExecutionResult{
		Success:         overallSuccess,
		Status:          status,
		ActionsExecuted: actionsExecuted,
		ActionsFailed:   actionsFailed,
		ActionResults:   actionResults,
		DurationMS:      time.Since(start).Milliseconds(),
		ErrorSummary:    strings.Join(errorSummaries, "; "),
	}
}

// buildContext composes the execution context. Order matters: trigger_data
// is spread first so {{field}} shortcuts work, the reserved user and
// trigger_data keys are written next so trigger payload fields cannot
// shadow them, and user variables are spread last and win over everything.
func buildContext(req Request) map[string]any {
	context := make(map[string]any, len(req.TriggerData)+len(req.Variables)+2)
	for k, v := range req.TriggerData {
		context[k] = v
	}

	userInfo := req.UserInfo
	if userInfo == nil {
		userInfo = &automation.UserInfo{ID: req.UserID, Timezone: "UTC"}
	}
	context["user"] = userInfo.Document()

	triggerData := req.TriggerData
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	context["trigger_data"] = triggerData

	for k, v := range req.Variables {
		context[k] = v
	}
	return context
}

// invokeTool looks up and runs a tool under the per-action timeout.
// Returns (success, output, errorMessage).
func (e *Executor) invokeTool(ctx context.Context, toolName string, params map[string]any, req Request, timeout time.Duration) (bool, any, string) {
	tool, err := e.registry.GetToolByName(ctx, toolName)
	if err != nil {
		return false, nil, fmt.Sprintf("Tool lookup failed: %v", err)
	}
	if tool == nil {
		return false, nil, fmt.Sprintf("Tool not found: %s", toolName)
	}

	// Reserved fields passed to every tool.
	params["user_id"] = req.UserID
	if req.RequestID != "" {
		params["request_id"] = req.RequestID
	}
	params["is_automation"] = true

	input, err := json.Marshal(params)
	if err != nil {
		return false, nil, fmt.Sprintf("Failed to encode parameters: %v", err)
	}

	result, err := runHandler(ctx, tool.Handler, string(input), timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil, fmt.Sprintf("Tool execution timed out after %gs", timeout.Seconds())
		}
		return false, nil, err.Error()
	}

	// Tools signal failure either as a Go error or an Error:-prefixed
	// string result.
	if s, ok := result.(string); ok {
		if strings.HasPrefix(s, "Error:") {
			return false, nil, s
		}
		var parsed any
		if jsonErr := json.Unmarshal([]byte(s), &parsed); jsonErr == nil {
			return true, parsed, ""
		}
	}

	return true, result, ""
}

// runHandler executes the handler on its own goroutine so a stuck tool
// cannot outlive the timeout. Handler panics are converted to errors.
func runHandler(ctx context.Context, handler tools.Handler, input string, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := handler(callCtx, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, context.DeadlineExceeded
	}
}

// bindableOutput prepares a successful result for publication under
// output_as: strings get JSON extraction, mappings get normalized so
// template paths stay stable across tool envelopes.
func (e *Executor) bindableOutput(actionID string, output any) any {
	processed := output
	if s, ok := output.(string); ok {
		processed = ExtractJSON(s)
		if ps, still := processed.(string); !still || ps != s {
			e.log.Info("extracted JSON from string output", zap.String("action_id", actionID))
		}
	}
	if doc, ok := processed.(map[string]any); ok {
		return Normalize(doc)
	}
	return processed
}

func isUsageLimitError(output any) bool {
	doc, ok := output.(map[string]any)
	if !ok {
		return false
	}
	return doc["error"] == automation.UsageLimitError
}

// finishUsageLimited notifies the user, records the limited action as
// failed, and halts the run with usage_limit_exceeded status.
func (e *Executor) finishUsageLimited(ctx context.Context, req Request, output any, results []automation.ActionResult, limited automation.ActionResult, actionsExecuted int, start time.Time) *automation.ExecutionResult {
	doc, _ := output.(map[string]any)
	service := stringField(doc, "service", "unknown")
	message := stringField(doc, "message", "Usage limit reached")

	e.log.Warn("usage limit exceeded",
		zap.String("service", service), zap.String("action_id", limited.ActionID))

	if e.notifier != nil && req.AutomationID != "" {
		name := req.AutomationName
		if name == "" {
			name = "Your automation"
		}
		if err := e.notifier.NotifyUsageLimitExceeded(ctx, req.UserID, req.AutomationID, name); err != nil {
			e.log.Error("failed to send usage limit notification", zap.Error(err))
		}
	}

	limited.Error = fmt.Sprintf("Usage limit exceeded: %s", message)
	results = append(results, limited)

	return &automation.ExecutionResult{
		Success:         false,
		Status:          automation.StatusUsageLimitExceeded,
		ActionsExecuted: actionsExecuted,
		ActionsFailed:   1,
		ActionResults:   results,
		DurationMS:      time.Since(start).Milliseconds(),
		ErrorSummary:    fmt.Sprintf("Usage limit exceeded for %s", service),
	}
}

// classify maps failure counts to the overall run status. All-skipped runs
// count as completed.
func classify(executed, failed int) (automation.ExecutionStatus, bool) {
	switch {
	case failed == 0:
		return automation.StatusCompleted, true
	case failed < executed:
		return automation.StatusPartialFailure, true
	default:
		return automation.StatusFailed, false
	}
}

func conditionResult(action automation.Action) *bool {
	if action.Condition == nil {
		return nil
	}
	return boolPtr(true)
}

func boolPtr(b bool) *bool { return &b }

func stringField(doc map[string]any, key, fallback string) string {
	if doc == nil {
		return fallback
	}
	if s, ok := doc[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
