// Package agent defines the agent-runtime port and the per-session agent
// context. The runtime itself (prompt assembly, model invocation) is an
// external collaborator; the session only sees the step contract.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/pkg/prompt"
	"github.com/parleyhq/parley/pkg/tools"
)

var (
	// ErrUnknownAgent is returned when the registry has no such agent.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrNoAgent is returned when a step runs before any agent is loaded.
	ErrNoAgent = errors.New("no agent loaded")
)

// StepOptions tunes one invocation.
type StepOptions struct {
	// Stream receives assistant output chunks as they are produced.
	// Nil disables streaming.
	Stream func(chunk string)
	// Params are free-form runtime parameters forwarded to the agent.
	Params map[string]any
}

// StepResult is the output of one agent turn.
type StepResult struct {
	// Result is the assistant's text reply. Empty when the turn only
	// produced tool calls.
	Result string
	// ToolCalls are tool invocations to run through the caller.
	ToolCalls []tools.Request
	// DelegateCalls are invocations of the configured delegation function;
	// they re-enter the tool path under the delegation registry id.
	DelegateCalls []tools.Request
	// Tokens is the cumulative token count after this turn.
	Tokens int
	// Metadata is stamped onto the persisted assistant message.
	Metadata map[string]any
	// MemoryRecall and MemoryPrompt are optional memory texts the runtime
	// asked to persist alongside the reply.
	MemoryRecall string
	MemoryPrompt string
}

// Agent is one runnable agent behind the registry.
type Agent interface {
	ID() string
	// DefaultModel is used when a switch names no model.
	DefaultModel() string
	Step(ctx context.Context, model string, p *prompt.Prompt, opts StepOptions) (*StepResult, error)
}

// Registry resolves agent ids.
type Registry interface {
	Get(id string) (Agent, error)
}

// Context wraps the registry for one session actor, caching the loaded
// agent and the selected model between steps.
type Context struct {
	registry Registry

	agent Agent
	model string

	// DelegationFuncID is the registry function id delegate calls are
	// re-routed through. Empty disables delegation.
	DelegationFuncID string
}

// NewContext builds an agent context over a registry.
func NewContext(registry Registry, delegationFuncID string) *Context {
	return &Context{registry: registry, DelegationFuncID: delegationFuncID}
}

// AgentID returns the loaded agent id, or empty.
func (c *Context) AgentID() string {
	if c.agent == nil {
		return ""
	}
	return c.agent.ID()
}

// Model returns the selected model, or empty.
func (c *Context) Model() string { return c.model }

// LoadAgent loads an agent and selects a model, falling back to the agent's
// default when model is empty.
func (c *Context) LoadAgent(id, model string) error {
	a, err := c.registry.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	c.agent = a
	if model == "" {
		model = a.DefaultModel()
	}
	c.model = model
	return nil
}

// SwitchToAgent replaces the agent; without an explicit model the new
// agent's default wins over the previous selection.
func (c *Context) SwitchToAgent(id, model string) error {
	return c.LoadAgent(id, model)
}

// SwitchToModel changes the model and keeps the current agent.
func (c *Context) SwitchToModel(model string) error {
	if c.agent == nil {
		return ErrNoAgent
	}
	c.model = model
	return nil
}

// Step runs one agent turn. Delegate calls named after the delegation
// function are split out of the tool calls for separate routing.
func (c *Context) Step(ctx context.Context, p *prompt.Prompt, opts StepOptions) (*StepResult, error) {
	if c.agent == nil {
		return nil, ErrNoAgent
	}
	res, err := c.agent.Step(ctx, c.model, p, opts)
	if err != nil {
		return nil, err
	}

	if c.DelegationFuncID != "" && len(res.ToolCalls) > 0 {
		kept := res.ToolCalls[:0]
		for _, call := range res.ToolCalls {
			if call.Name == c.DelegationFuncID {
				res.DelegateCalls = append(res.DelegateCalls, call)
			} else {
				kept = append(kept, call)
			}
		}
		res.ToolCalls = kept
	}
	return res, nil
}

// MapRegistry is an in-process Registry.
type MapRegistry struct {
	agents map[string]Agent
}

// NewMapRegistry builds a registry over the given agents.
func NewMapRegistry(agents ...Agent) *MapRegistry {
	m := &MapRegistry{agents: map[string]Agent{}}
	for _, a := range agents {
		m.agents[a.ID()] = a
	}
	return m
}

// Register adds or replaces an agent.
func (m *MapRegistry) Register(a Agent) {
	m.agents[a.ID()] = a
}

func (m *MapRegistry) Get(id string) (Agent, error) {
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}
