// Package tools defines the tool contract the automation runtime executes
// against, the registry lookup interface, and a thread-safe in-memory
// registry implementation.
//
// A tool is a named function exposing a JSON-schema parameter document. Its
// handler accepts a single JSON-encoded parameter string and returns either
// structured data or a plain string; the executor classifies whichever comes
// back.
package tools

import (
	"context"
)

// Handler executes a tool. The input is the JSON-encoded resolved parameter
// document. The returned value may be a decoded document (map/slice), a raw
// string (possibly with embedded JSON), or any primitive.
type Handler func(ctx context.Context, input string) (any, error)

// Tool is a registry-resolvable function available to automations.
type Tool struct {
	// Name is the unique identifier, e.g. "oura_get_daily_sleep".
	Name string

	// Description explains what the tool does, surfaced to assisted
	// builders during discovery.
	Description string

	// Parameters is a JSON-schema document describing the accepted
	// parameters. It must compile as a schema at registration time.
	Parameters map[string]any

	// Returns describes the return value in prose.
	Returns string

	// Handler runs the tool.
	Handler Handler

	// Service is the upstream service this tool belongs to, if any.
	Service string

	// Metadata carries additional adapter-specific data.
	Metadata map[string]any
}

// Validate checks the tool definition is usable.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Handler == nil {
		return ErrToolHandlerNil
	}
	return nil
}

// Registry is the tool discovery and invocation contract the runtime
// depends on. Implementations must be safe for concurrent use.
type Registry interface {
	// GetToolByName returns the named tool, or nil when absent.
	GetToolByName(ctx context.Context, name string) (*Tool, error)

	// ListTools returns all tools, optionally filtered by service.
	ListTools(ctx context.Context, service string) ([]*Tool, error)

	// ExecuteTool is a convenience invocation path used by the polling
	// preflight: it validates parameters against the tool's schema, injects
	// the user id, and runs the handler.
	ExecuteTool(ctx context.Context, name string, params map[string]any, userID string) (any, error)
}
