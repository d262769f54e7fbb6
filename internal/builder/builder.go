// Package builder implements the assisted authoring flow: discover what a
// service exposes, fetch tool schemas, then deploy. Deployment always lands
// in pending_review; a separate confirmation step activates the automation.
package builder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"runbook/internal/automation"
	"runbook/internal/tools"
	"runbook/internal/validate"
)

// DefaultPollingIntervalMinutes is used when a polling automation does not
// specify its own interval.
const DefaultPollingIntervalMinutes = 60

// Builder drives authoring and deployment against a registry and a store.
type Builder struct {
	registry tools.Registry
	store    automation.Store
	log      *zap.Logger

	nowFunc func() time.Time
}

// New creates a builder.
func New(registry tools.Registry, store automation.Store, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{registry: registry, store: store, log: logger, nowFunc: time.Now}
}

// Session tracks which tool schemas were fetched during one authoring
// conversation. Deployment requires every used tool's schema to have been
// fetched first.
type Session struct {
	fetched map[string]validate.FetchedSchema
}

// NewSession starts an empty authoring session.
func (b *Builder) NewSession() *Session {
	return &Session{fetched: make(map[string]validate.FetchedSchema)}
}

// ServiceDescription summarizes what one service exposes.
type ServiceDescription struct {
	Service      string         `json:"service"`
	Tools        []ToolSummary  `json:"tools"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// ToolSummary is the discovery-level view of a tool: name and description
// only, no schema. Schemas come from FetchToolSpecs.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DescribeService lists a service's tools and its webhook/polling
// capabilities. An empty service name describes everything registered.
func (b *Builder) DescribeService(ctx context.Context, service string) (*ServiceDescription, error) {
	registered, err := b.registry.ListTools(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	desc := &ServiceDescription{Service: service}
	for _, tool := range registered {
		desc.Tools = append(desc.Tools, ToolSummary{
			Name:        tool.Name,
			Description: tool.Description,
		})
	}

	if service != "" {
		capabilities, err := b.store.GetServiceCapabilities(ctx, service)
		if err != nil {
			b.log.Warn("failed to load service capabilities",
				zap.String("service", service), zap.Error(err))
		} else {
			desc.Capabilities = capabilities
		}
	}
	return desc, nil
}

// ToolSpec is the full schema view of one tool.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Returns     string         `json:"returns,omitempty"`
}

// FetchToolSpecs returns full schemas for the named tools and records them
// in the session. Unknown names produce an error listing every missing tool.
func (b *Builder) FetchToolSpecs(ctx context.Context, session *Session, names []string) ([]ToolSpec, error) {
	var (
		specs   []ToolSpec
		missing []string
	)
	for _, name := range names {
		tool, err := b.registry.GetToolByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("tool lookup failed for %s: %w", name, err)
		}
		if tool == nil {
			missing = append(missing, name)
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
			Returns:     tool.Returns,
		})
		session.fetched[tool.Name] = validate.FetchedSchema{
			Parameters: tool.Parameters,
			Returns:    tool.Returns,
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown tools: %s", strings.Join(missing, ", "))
	}
	return specs, nil
}

// DeployResult reports the outcome of a deployment attempt. When OK is
// false, Errors explains what to fix; ID is set only on success.
type DeployResult struct {
	OK       bool           `json:"ok"`
	ID       string         `json:"id,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Sample   map[string]any `json:"sample,omitempty"`
	Summary  string         `json:"summary,omitempty"`
}

// Deploy sanitizes, validates, preflights, and persists an automation in
// pending_review status. Validation failures are returned in the result, not
// as a Go error; errors are reserved for storage problems.
func (b *Builder) Deploy(ctx context.Context, session *Session, userID string, spec *automation.Spec) (*DeployResult, error) {
	spec.Actions = validate.SanitizeActions(spec.Actions)

	var allErrors []string
	if ok, errs := validate.ValidateActions(ctx, spec.Actions, b.registry, spec.TriggerType, spec.TriggerConfig); !ok {
		allErrors = append(allErrors, errs...)
	}
	if ok, errs := validate.ValidateVariables(spec.Variables); !ok {
		allErrors = append(allErrors, errs...)
	}
	if session != nil {
		if ok, errs := validate.ValidateFetchedSchemas(spec.Actions, session.fetched); !ok {
			allErrors = append(allErrors, errs...)
		}
	}
	if len(allErrors) > 0 {
		return &DeployResult{Errors: allErrors}, nil
	}

	result := &DeployResult{}
	if spec.TriggerType == automation.TriggerPolling {
		spec.UserID = userID
		preflight := validate.PreflightPolling(ctx, spec, b.registry, b.log)
		result.Warnings = preflight.Warnings
		result.Sample = preflight.Sample
		if !preflight.OK {
			result.Errors = preflight.Errors
			return result, nil
		}
		b.preparePollingFields(spec)
	}

	spec.Status = automation.StatusPendingReview
	id, err := b.store.CreateAutomation(ctx, userID, spec)
	if err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}

	b.log.Info("automation deployed for review",
		zap.String("automation_id", id), zap.String("user_id", userID),
		zap.String("name", spec.Name))

	result.OK = true
	result.ID = id
	result.Summary = Summary(spec)
	return result, nil
}

// preparePollingFields seeds poll scheduling: first poll immediately, cursor
// at today's UTC date so the first cycle only sees current data.
func (b *Builder) preparePollingFields(spec *automation.Spec) {
	now := b.nowFunc().UTC()
	spec.NextPollAt = &now
	if spec.PollingIntervalMinutes <= 0 {
		spec.PollingIntervalMinutes = DefaultPollingIntervalMinutes
		if minutes, ok := numericConfig(spec.TriggerConfig, "polling_interval_minutes"); ok && minutes > 0 {
			spec.PollingIntervalMinutes = minutes
		}
	}
	if spec.LastPollCursor == "" {
		spec.LastPollCursor = now.Format("2006-01-02")
	}
}

// Activate confirms a pending automation, flipping it to active status.
func (b *Builder) Activate(ctx context.Context, id, userID string) error {
	spec, err := b.store.GetAutomation(ctx, id, userID)
	if err != nil {
		return err
	}
	if spec.Status == automation.StatusActive {
		return nil
	}

	now := b.nowFunc().UTC()
	updated, err := b.store.UpdateAutomation(ctx, id, userID, map[string]any{
		"status":       automation.StatusActive,
		"confirmed_at": now,
	})
	if err != nil {
		return fmt.Errorf("activate automation: %w", err)
	}
	if !updated {
		return fmt.Errorf("%w: %s", automation.ErrNotFound, id)
	}

	b.log.Info("automation activated",
		zap.String("automation_id", id), zap.String("user_id", userID))
	return nil
}

// Summary renders a one-paragraph human-readable description of what an
// automation does, used in review prompts.
func Summary(spec *automation.Spec) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%q ", spec.Name))

	switch spec.TriggerType {
	case automation.TriggerManual:
		sb.WriteString("runs on demand")
	case automation.TriggerWebhook:
		sb.WriteString("runs when its webhook fires")
	case automation.TriggerPolling:
		source, _ := spec.TriggerConfig["source_tool"].(string)
		if source != "" {
			sb.WriteString(fmt.Sprintf("polls %s", source))
		} else {
			sb.WriteString("polls its source")
		}
		if spec.PollingIntervalMinutes > 0 {
			sb.WriteString(fmt.Sprintf(" every %d minutes", spec.PollingIntervalMinutes))
		}
	case automation.TriggerScheduleOnce:
		sb.WriteString("runs once at its scheduled time")
	case automation.TriggerScheduleRecurring:
		sb.WriteString("runs on its recurring schedule")
	default:
		sb.WriteString(fmt.Sprintf("runs on trigger %q", spec.TriggerType))
	}

	sb.WriteString(", then ")
	steps := make([]string, 0, len(spec.Actions))
	for i, action := range spec.Actions {
		step := action.Tool
		if action.Condition != nil {
			step += " (conditional)"
		}
		if action.OutputAs != "" {
			step += fmt.Sprintf(" storing output as %s", action.OutputAs)
		}
		steps = append(steps, fmt.Sprintf("%d. %s", i+1, step))
	}
	sb.WriteString(strings.Join(steps, "; "))
	sb.WriteString(".")
	return sb.String()
}

func numericConfig(config map[string]any, key string) (int, bool) {
	switch v := config[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
