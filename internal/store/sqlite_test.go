package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"runbook/internal/automation"
	"runbook/internal/condition"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runbook.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSpec() *automation.Spec {
	return &automation.Spec{
		Name:        "Morning sleep report",
		Description: "Send sleep score every morning",
		TriggerType: automation.TriggerPolling,
		TriggerConfig: map[string]any{
			"source_tool": "get_sleep",
		},
		Variables: map[string]any{"min_score": 70.0},
		Actions: []automation.Action{
			{Tool: "get_sleep", OutputAs: "sleep"},
			{
				Tool:       "send_message",
				Parameters: map[string]any{"message": "Score {{sleep.score}}"},
				Condition: &condition.Condition{
					Clause: condition.Clause{Path: "sleep.score", Op: "<", Value: 70.0},
				},
			},
		},
	}
}

func TestCreateAndGetAutomation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateAutomation(ctx, "u1", sampleSpec())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetAutomation(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Morning sleep report", got.Name)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, automation.TriggerPolling, got.TriggerType)
	assert.Equal(t, automation.StatusPendingReview, got.Status)
	assert.Equal(t, "get_sleep", got.TriggerConfig["source_tool"])
	assert.Equal(t, 70.0, got.Variables["min_score"])
	require.Len(t, got.Actions, 2)
	require.NotNil(t, got.Actions[1].Condition)
	assert.Equal(t, "sleep.score", got.Actions[1].Condition.Path)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetAutomationScopedToUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateAutomation(ctx, "u1", sampleSpec())
	require.NoError(t, err)

	_, err = s.GetAutomation(ctx, id, "someone-else")
	assert.True(t, errors.Is(err, automation.ErrNotFound))

	_, err = s.GetAutomation(ctx, "no-such-id", "u1")
	assert.True(t, errors.Is(err, automation.ErrNotFound))
}

func TestUpdateAutomation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateAutomation(ctx, "u1", sampleSpec())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	updated, err := s.UpdateAutomation(ctx, id, "u1", map[string]any{
		"status":       automation.StatusActive,
		"confirmed_at": now,
		"variables":    map[string]any{"min_score": 80.0},
	})
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := s.GetAutomation(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, automation.StatusActive, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	assert.Equal(t, 80.0, got.Variables["min_score"])

	// Wrong user: no rows matched.
	updated, err = s.UpdateAutomation(ctx, id, "u2", map[string]any{"status": automation.StatusPaused})
	require.NoError(t, err)
	assert.False(t, updated)

	// Unknown field: rejected.
	_, err = s.UpdateAutomation(ctx, id, "u1", map[string]any{"bogus": 1})
	assert.Error(t, err)
}

func TestDeleteAutomation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateAutomation(ctx, "u1", sampleSpec())
	require.NoError(t, err)

	deleted, err := s.DeleteAutomation(ctx, id, "u2")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteAutomation(ctx, id, "u1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetAutomation(ctx, id, "u1")
	assert.True(t, errors.Is(err, automation.ErrNotFound))
}

func TestListAutomations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := sampleSpec()
	first.Name = "first"
	_, err := s.CreateAutomation(ctx, "u1", first)
	require.NoError(t, err)

	second := sampleSpec()
	second.Name = "second"
	second.Status = automation.StatusActive
	_, err = s.CreateAutomation(ctx, "u1", second)
	require.NoError(t, err)

	_, err = s.CreateAutomation(ctx, "u2", sampleSpec())
	require.NoError(t, err)

	all, err := s.ListAutomations(ctx, "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListAutomations(ctx, "u1", automation.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "second", active[0].Name)
}

func TestDueAutomationsAndMarkPolled(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := sampleSpec()
	due.Status = automation.StatusActive
	past := now.Add(-time.Minute)
	due.NextPollAt = &past
	due.PollingIntervalMinutes = 30
	dueID, err := s.CreateAutomation(ctx, "u1", due)
	require.NoError(t, err)

	notYet := sampleSpec()
	notYet.Status = automation.StatusActive
	future := now.Add(time.Hour)
	notYet.NextPollAt = &future
	_, err = s.CreateAutomation(ctx, "u1", notYet)
	require.NoError(t, err)

	pending := sampleSpec()
	pending.NextPollAt = &past
	_, err = s.CreateAutomation(ctx, "u1", pending)
	require.NoError(t, err)

	got, err := s.DueAutomations(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dueID, got[0].ID)

	next := now.Add(30 * time.Minute)
	require.NoError(t, s.MarkPolled(ctx, dueID, next, "2026-08-25"))

	got, err = s.DueAutomations(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	refreshed, err := s.GetAutomation(ctx, dueID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25", refreshed.LastPollCursor)
	require.NotNil(t, refreshed.NextPollAt)
}

func TestExecutionLogs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateAutomation(ctx, "u1", sampleSpec())
	require.NoError(t, err)

	logID, err := s.LogExecution(ctx, id, "u1", map[string]any{
		"status":           "completed",
		"actions_executed": 2.0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, logID)

	_, err = s.LogExecution(ctx, id, "u1", map[string]any{
		"status":        "failed",
		"error_summary": "action_0: boom",
	})
	require.NoError(t, err)

	logs, err := s.ListExecutions(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	byStatus := make(map[string]*ExecutionLog, len(logs))
	for _, entry := range logs {
		byStatus[entry.Status] = entry
	}
	require.Contains(t, byStatus, "completed")
	require.Contains(t, byStatus, "failed")
	assert.Equal(t, 2.0, byStatus["completed"].Entry["actions_executed"])
	assert.Equal(t, "action_0: boom", byStatus["failed"].Entry["error_summary"])
}

func TestServiceCapabilities(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.GetServiceCapabilities(ctx, "oura")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SetServiceCapabilities(ctx, "oura", map[string]any{
		"supports_webhooks": false,
		"supports_polling":  true,
	}))
	// Upsert overwrites.
	require.NoError(t, s.SetServiceCapabilities(ctx, "oura", map[string]any{
		"supports_webhooks": true,
		"supports_polling":  true,
	}))

	got, err = s.GetServiceCapabilities(ctx, "oura")
	require.NoError(t, err)
	assert.Equal(t, true, got["supports_webhooks"])
}
