package tools

import "errors"

// Sentinel errors for registry operations.
var (
	ErrToolNameEmpty         = errors.New("tool name cannot be empty")
	ErrToolHandlerNil        = errors.New("tool handler cannot be nil")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrToolNotFound          = errors.New("tool not found")
	ErrInvalidParameters     = errors.New("parameters do not match tool schema")
)
