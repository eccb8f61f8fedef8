package genai

import (
	"context"
	"fmt"
	"sync"
)

// ToolCall is one model-requested invocation.
type ToolCall struct {
	CallID string
	Name   string
	Args   map[string]any
}

// ToolResult is the outcome of one invocation.
type ToolResult struct {
	CallID  string
	Content any
	IsError bool
}

// ToolRegistry executes model-emitted function calls. Implementations may
// dispatch to local functions, subprocesses or remote executors; the
// orchestrator only depends on this contract.
type ToolRegistry interface {
	Declarations() []FunctionDeclaration
	Execute(ctx context.Context, calls []ToolCall) ([]ToolResult, error)
}

// ToolHandler is a locally registered tool implementation.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// FuncRegistry is an in-process ToolRegistry backed by Go functions.
type FuncRegistry struct {
	mu       sync.RWMutex
	decls    []FunctionDeclaration
	handlers map[string]ToolHandler
}

// NewFuncRegistry returns an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{handlers: make(map[string]ToolHandler)}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *FuncRegistry) Register(decl FunctionDeclaration, fn ToolHandler) error {
	if decl.Name == "" {
		return fmt.Errorf("tool declaration requires a name")
	}
	if fn == nil {
		return fmt.Errorf("tool %s requires a handler", decl.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[decl.Name]; exists {
		return fmt.Errorf("tool %s already registered", decl.Name)
	}
	r.handlers[decl.Name] = fn
	r.decls = append(r.decls, decl)
	return nil
}

// Declarations returns the registered declarations.
func (r *FuncRegistry) Declarations() []FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]FunctionDeclaration(nil), r.decls...)
}

// Execute runs each call in order. Unknown tools and handler failures
// produce error-flagged results rather than aborting the batch.
func (r *FuncRegistry) Execute(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.mu.RLock()
		fn, ok := r.handlers[call.Name]
		r.mu.RUnlock()
		if !ok {
			results = append(results, ToolResult{
				CallID:  call.CallID,
				Content: fmt.Sprintf("unknown tool: %s", call.Name),
				IsError: true,
			})
			continue
		}
		out, err := fn(ctx, call.Args)
		if err != nil {
			results = append(results, ToolResult{CallID: call.CallID, Content: err.Error(), IsError: true})
			continue
		}
		results = append(results, ToolResult{CallID: call.CallID, Content: out})
	}
	return results, nil
}
