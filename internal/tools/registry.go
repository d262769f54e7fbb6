package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// InMemoryRegistry holds tools registered in-process. It is thread-safe and
// supports registration at runtime.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registered
	log   *zap.Logger
}

type registered struct {
	tool   *Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *InMemoryRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryRegistry{
		tools: make(map[string]*registered),
		log:   logger,
	}
}

// Register adds a tool. The tool's parameter document, when present, must
// compile as a JSON schema. Returns an error if a tool with the same name
// already exists.
func (r *InMemoryRegistry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	schema, err := compileParameterSchema(tool)
	if err != nil {
		return fmt.Errorf("tool %q: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = &registered{tool: tool, schema: schema}

	r.log.Debug("registered tool",
		zap.String("tool", tool.Name), zap.String("service", tool.Service))
	return nil
}

// MustRegister registers a tool and panics on error. Use for static tool
// registration at startup.
func (r *InMemoryRegistry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// GetToolByName returns the named tool, or nil when absent.
func (r *InMemoryRegistry) GetToolByName(_ context.Context, name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, nil
	}
	return entry.tool, nil
}

// ListTools returns all tools, optionally filtered by service, sorted by
// name.
func (r *InMemoryRegistry) ListTools(_ context.Context, service string) ([]*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		if service != "" && entry.tool.Service != service {
			continue
		}
		result = append(result, entry.tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ExecuteTool validates params against the tool's schema, injects the user
// id, JSON-encodes the parameters, and runs the handler.
func (r *InMemoryRegistry) ExecuteTool(ctx context.Context, name string, params map[string]any, userID string) (any, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if entry.schema != nil {
		if err := entry.schema.Validate(asDocument(params)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
	}

	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["user_id"] = userID

	input, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	r.log.Debug("executing tool", zap.String("tool", name), zap.String("user_id", userID))
	return entry.tool.Handler(ctx, string(input))
}

// Has reports whether a tool with the given name is registered.
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *InMemoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// compileParameterSchema compiles the tool's parameter document so invalid
// schemas are rejected at registration rather than first use.
func compileParameterSchema(tool *Tool) (*jsonschema.Schema, error) {
	if len(tool.Parameters) == 0 {
		return nil, nil
	}

	// Round-trip through JSON so the schema document contains only plain
	// decoded types, regardless of how the caller built the map.
	doc, err := asJSONValue(tool.Parameters)
	if err != nil {
		return nil, fmt.Errorf("parameter schema is not valid JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return schema, nil
}

func asJSONValue(v any) (any, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// asDocument best-effort converts params to plain decoded JSON types for
// schema validation. On encoding failure the original value is validated
// as-is.
func asDocument(params map[string]any) any {
	doc, err := asJSONValue(params)
	if err != nil {
		return params
	}
	return doc
}
