package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// RegisterBuiltins registers the local utility tools shipped with the
// runtime. They are ordinary registry tools; nothing in the executor
// special-cases them.
func RegisterBuiltins(registry *InMemoryRegistry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	builtins := []*Tool{
		EchoTool(),
		LogMessageTool(logger),
	}
	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// EchoTool returns its resolved parameters as a document. Useful for
// wiring checks and for binding literal values into the context.
func EchoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Return the supplied parameters unchanged.",
		Parameters: map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
		Returns: "The parameter document that was passed in.",
		Handler: func(_ context.Context, input string) (any, error) {
			var params map[string]any
			if err := json.Unmarshal([]byte(input), &params); err != nil {
				return nil, fmt.Errorf("decode parameters: %w", err)
			}
			return params, nil
		},
	}
}

// LogMessageTool writes a message through the runtime logger and reports
// delivery. The closest thing to a notification channel that needs no
// external service.
func LogMessageTool(logger *zap.Logger) *Tool {
	return &Tool{
		Name:        "log_message",
		Description: "Log a message at info level.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "Message text to log.",
				},
			},
			"required":             []any{"message"},
			"additionalProperties": true,
		},
		Returns: `{"sent": true}`,
		Handler: func(_ context.Context, input string) (any, error) {
			var params struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal([]byte(input), &params); err != nil {
				return nil, fmt.Errorf("decode parameters: %w", err)
			}
			logger.Info("automation message", zap.String("message", params.Message))
			return map[string]any{"sent": true}, nil
		},
	}
}
