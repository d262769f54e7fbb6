package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoParams() *Tool {
	return &Tool{
		Name: "echo_params",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required":             []any{"message"},
			"additionalProperties": true,
		},
		Handler: func(_ context.Context, input string) (any, error) {
			return input, nil
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Register(echoParams()))
	assert.True(t, r.Has("echo_params"))
	assert.Equal(t, 1, r.Count())

	tool, err := r.GetToolByName(context.Background(), "echo_params")
	require.NoError(t, err)
	require.NotNil(t, tool)
	assert.Equal(t, "echo_params", tool.Name)

	absent, err := r.GetToolByName(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestRegisterRejectsInvalidTools(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	err := r.Register(&Tool{Handler: func(_ context.Context, _ string) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrToolNameEmpty)

	err = r.Register(&Tool{Name: "no_handler"})
	assert.ErrorIs(t, err, ErrToolHandlerNil)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(echoParams()))

	err := r.Register(echoParams())
	assert.ErrorIs(t, err, ErrToolAlreadyRegistered)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	err := r.Register(&Tool{
		Name:       "bad_schema",
		Parameters: map[string]any{"type": 12345},
		Handler:    func(_ context.Context, _ string) (any, error) { return nil, nil },
	})
	assert.Error(t, err)
}

func TestListToolsFiltersByService(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	handler := func(_ context.Context, _ string) (any, error) { return nil, nil }
	require.NoError(t, r.Register(&Tool{Name: "b_tool", Service: "oura", Handler: handler}))
	require.NoError(t, r.Register(&Tool{Name: "a_tool", Service: "oura", Handler: handler}))
	require.NoError(t, r.Register(&Tool{Name: "other", Service: "github", Handler: handler}))

	all, err := r.ListTools(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Sorted by name.
	assert.Equal(t, "a_tool", all[0].Name)

	oura, err := r.ListTools(context.Background(), "oura")
	require.NoError(t, err)
	require.Len(t, oura, 2)
	for _, tool := range oura {
		assert.Equal(t, "oura", tool.Service)
	}
}

func TestExecuteToolValidatesAndInjectsUser(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(echoParams()))

	out, err := r.ExecuteTool(context.Background(), "echo_params",
		map[string]any{"message": "hi"}, "u1")
	require.NoError(t, err)
	assert.Contains(t, out.(string), `"message":"hi"`)
	assert.Contains(t, out.(string), `"user_id":"u1"`)

	// Missing required parameter fails schema validation.
	_, err = r.ExecuteTool(context.Background(), "echo_params", map[string]any{}, "u1")
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = r.ExecuteTool(context.Background(), "ghost", nil, "u1")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestExecuteToolPropagatesHandlerError(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	sentinel := errors.New("boom")
	require.NoError(t, r.Register(&Tool{
		Name:    "failing",
		Handler: func(_ context.Context, _ string) (any, error) { return nil, sentinel },
	}))

	_, err := r.ExecuteTool(context.Background(), "failing", nil, "u1")
	assert.ErrorIs(t, err, sentinel)
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, RegisterBuiltins(r, zap.NewNop()))

	out, err := r.ExecuteTool(context.Background(), "echo",
		map[string]any{"a": 1.0}, "u1")
	require.NoError(t, err)
	doc := out.(map[string]any)
	assert.Equal(t, 1.0, doc["a"])
	assert.Equal(t, "u1", doc["user_id"])

	out, err = r.ExecuteTool(context.Background(), "log_message",
		map[string]any{"message": "hello"}, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sent": true}, out)
}
