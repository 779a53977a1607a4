// Package tools implements the tool registry port and the two-phase tool
// caller: validation (schema check, exclusivity dedup, call-id minting)
// followed by sequential or parallel execution.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/pkg/store"
)

var (
	// ErrUnknownTool is returned when a call names an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrMultipleExclusive is returned when a batch carries more than one
	// exclusive call; the whole batch is rejected.
	ErrMultipleExclusive = errors.New("multiple exclusive tools in one batch")
)

// SkipNoteExclusive is attached to validation output when non-exclusive
// calls are dropped in favor of the single exclusive one.
const SkipNoteExclusive = "Exclusive tool found, other tools skipped"

// Handler executes one tool call. Env carries the owning session.
type Handler func(ctx context.Context, env Env, args map[string]any) (map[string]any, error)

// Env is the session context attached to every dispatched call.
type Env struct {
	SessionID string
	UserID    string
	Agent     string
	Model     string
}

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON Schema document validating the arguments. Empty
	// means any arguments are accepted.
	Schema json.RawMessage
	// Exclusive tools must run alone; validation drops their batch mates.
	Exclusive bool
	// Private tools persist as private_function messages hidden from the
	// transcript the user sees.
	Private bool
	Handler Handler
}

// Registry resolves tool names.
type Registry interface {
	Get(name string) (*Tool, error)
}

// MapRegistry is an in-process Registry.
type MapRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewMapRegistry returns an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{tools: map[string]*Tool{}}
}

// Register adds or replaces a tool.
func (r *MapRegistry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

func (r *MapRegistry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Request is one raw tool invocation as emitted by the agent. Arguments may
// arrive as a decoded mapping or as a JSON string in RawArguments.
type Request struct {
	Name         string
	Arguments    map[string]any
	RawArguments string
	// CallID is honored when the agent already assigned one.
	CallID string
}

// Call is a validated invocation ready for dispatch.
type Call struct {
	CallID    string
	Name      string
	Arguments map[string]any
	Exclusive bool
	Private   bool

	tool *Tool
}

// Outcome is the per-call execution result. Exactly one of Result and Err
// is meaningful.
type Outcome struct {
	Call   Call
	Result map[string]any
	Err    error
}

// Strategy selects how a validated batch is dispatched.
type Strategy string

const (
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
)

// NewCallID mints a call id. Time-ordered like every other id so function
// pairs sort with their messages.
func NewCallID() string { return store.NewID() }
