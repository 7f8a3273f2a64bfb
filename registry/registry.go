// Package registry provides the tool registry: named tools registered with
// their contracts, looked up by the validator and invoked by the executor
// under the contract's timeout.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/stepflow/plan"
)

// Sentinel errors for registry operations.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolAlreadyExists = errors.New("tool already registered")
)

// Tool executes one capability. Implementations should honor context
// cancellation; the registry additionally enforces the contract timeout.
type Tool interface {
	Name() string
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// OutcomeQuerier is an optional interface for tools whose side effects can
// be re-queried after a crash. When a resumed checkpoint shows a step
// in-flight, the executor asks the tool for the true outcome instead of
// assuming the invocation never completed.
type OutcomeQuerier interface {
	// QueryOutcome reports whether an invocation keyed by plan and step
	// identity already completed, and its output if so.
	QueryOutcome(ctx context.Context, planID, stepID string) (map[string]any, bool, error)
}

// InvocationError reports a failed tool invocation: a timeout, a transport
// failure, or a tool-reported failure. All three are handled identically
// by the failure policy.
type InvocationError struct {
	Tool    string
	Timeout bool
	Err     error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tool %s timed out: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *InvocationError) Unwrap() error { return e.Err }

// Registry holds registered tools and their contracts.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	contracts map[string]*plan.Contract
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		contracts: make(map[string]*plan.Contract),
	}
}

// Register adds a tool with its contract. A nil contract registers an
// unconstrained one (no schemas, engine default timeout, abort on failure).
func (r *Registry) Register(tool Tool, contract *plan.Contract) error {
	if tool == nil || tool.Name() == "" {
		return errors.New("tool with a name is required")
	}
	if contract == nil {
		contract = &plan.Contract{}
	}
	if err := contract.Check(); err != nil {
		return fmt.Errorf("contract for tool %s: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyExists, tool.Name())
	}
	r.tools[tool.Name()] = tool
	r.contracts[tool.Name()] = contract.Clone()
	return nil
}

// Lookup returns the contract registered for the tool.
func (r *Registry) Lookup(name string) (*plan.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	contract, ok := r.contracts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return contract.Clone(), nil
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// tool returns the registered tool by name.
func (r *Registry) tool(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Invoke executes the named tool under the given timeout. Timeouts and
// tool failures both surface as *InvocationError. The tool runs in its own
// goroutine so a tool that ignores its context cannot stall the caller
// past the deadline.
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]any, timeout time.Duration) (map[string]any, error) {
	t, err := r.tool(name)
	if err != nil {
		return nil, &InvocationError{Tool: name, Err: err}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, execErr := t.Execute(ctx, input)
		done <- outcome{output: output, err: execErr}
	}()

	select {
	case <-ctx.Done():
		return nil, &InvocationError{
			Tool:    name,
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	case out := <-done:
		if out.err != nil {
			return nil, &InvocationError{Tool: name, Err: out.err}
		}
		return out.output, nil
	}
}

// QueryOutcome asks the named tool for the true outcome of a possibly
// completed invocation. Returns false when the tool does not support
// outcome queries or has no record of the invocation.
func (r *Registry) QueryOutcome(ctx context.Context, name, planID, stepID string) (map[string]any, bool, error) {
	t, err := r.tool(name)
	if err != nil {
		return nil, false, err
	}
	q, ok := t.(OutcomeQuerier)
	if !ok {
		return nil, false, nil
	}
	return q.QueryOutcome(ctx, planID, stepID)
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Name returns the tool name.
func (f Func) Name() string { return f.ToolName }

// Execute invokes the wrapped function.
func (f Func) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f.Fn(ctx, input)
}
