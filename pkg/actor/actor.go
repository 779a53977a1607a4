// Package actor runs one live session: it owns the reader/writer pair, the
// command bus and the upstream emitter, consumes the session inbox and
// executes every operation the bus dispatches.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/bus"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/funcs"
	"github.com/parleyhq/parley/pkg/prompt"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/tools"
	"github.com/parleyhq/parley/pkg/upstream"
)

// Inbox topics.
const (
	TopicMessage       = "message"
	TopicCommand       = "command"
	TopicStop          = "stop"
	TopicContinue      = "continue"
	TopicFinishAndExit = "finish_and_exit"
)

// Msg is one inbox delivery.
type Msg struct {
	Topic     string
	Data      map[string]any
	RequestID string
}

// Deps bundles everything an actor needs.
type Deps struct {
	Log       *slog.Logger
	Config    config.Config
	Stores    store.Store
	Uploads   store.UploadResolver
	Auth      session.Authorizer
	Agents    agent.Registry
	Tools     tools.Registry
	Funcs     funcs.Registry
	Sink      upstream.Sink
	Principal session.Actor
}

// Actor is one live session task.
type Actor struct {
	log  *slog.Logger
	cfg  config.Config
	deps Deps

	sessionID string
	reader    *session.Reader
	writer    *session.Writer
	emit      *upstream.Emitter
	agents    *agent.Context
	caller    *tools.Caller
	builder   *prompt.Builder
	bus       *bus.Bus

	inbox chan Msg

	// Created marks a session spawned this turn; it triggers the initial
	// agent/model/init-function operations.
	created    bool
	initAgent  string
	initModel  string
	initFunc   string
	initParams map[string]any

	finishing bool
	exitErr   error
	ready     chan struct{}
	done      chan struct{}
}

// Options tunes actor startup.
type Options struct {
	// Created marks a freshly created session.
	Created bool
	// Agent and Model seed the initial agent_change/model_change ops.
	Agent string
	Model string
	// InitFunc is an optional registry function run once on creation.
	InitFunc   string
	InitParams map[string]any
}

// New builds an actor for sessionID. The session row must already exist.
func New(deps Deps, sessionID string, opts Options) *Actor {
	return &Actor{
		log:        deps.Log.With("session_id", sessionID),
		cfg:        deps.Config,
		deps:       deps,
		sessionID:  sessionID,
		inbox:      make(chan Msg, 64),
		created:    opts.Created,
		initAgent:  opts.Agent,
		initModel:  opts.Model,
		initFunc:   opts.InitFunc,
		initParams: opts.InitParams,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Send delivers an inbox message. It fails once the actor has exited.
func (a *Actor) Send(m Msg) error {
	select {
	case a.inbox <- m:
		return nil
	case <-a.done:
		return errors.New("session actor exited")
	}
}

// Ready is closed once the session opened and the bus is serving.
func (a *Actor) Ready() <-chan struct{} { return a.ready }

// Done is closed when the actor exits.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Err reports why the actor exited. Nil means a clean exit.
func (a *Actor) Err() error { return a.exitErr }

// SessionID returns the owned session.
func (a *Actor) SessionID() string { return a.sessionID }

// Run opens the session, registers handlers and serves the inbox until the
// bus stops or the context is cancelled. Run exactly once, on its own
// goroutine.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)

	if err := a.open(ctx); err != nil {
		a.exitErr = err
		a.log.Error("cannot open session", "error", err)
		return
	}

	a.bus = bus.New(a.log, a.cfg.BusQueueSize)
	a.registerHandlers()
	a.bus.OnQueueEmpty = a.onQueueEmpty
	a.bus.OnError = a.onOpError
	a.bus.OnFatal = func(_ bus.Operation, err error) { a.exitErr = err }

	if a.created {
		a.enqueueInitialOps()
	}
	// The opening snapshot is taken before the consumer starts; from here on
	// only the bus goroutine touches the reader, writer and agent context.
	a.emit.Update(map[string]any{
		"status": a.reader.State().Status,
		"agent":  a.agents.AgentID(),
		"model":  a.agents.Model(),
		"title":  a.reader.State().Title,
	})

	go a.bus.Run(ctx)
	close(a.ready)

	for {
		select {
		case <-ctx.Done():
			a.bus.Stop()
			<-a.bus.Done()
			return
		case <-a.bus.Done():
			return
		case m := <-a.inbox:
			a.handleInbox(m)
		}
	}
}

func (a *Actor) open(ctx context.Context) error {
	reader, err := session.OpenReader(ctx, a.deps.Stores, a.deps.Auth, a.deps.Principal, a.sessionID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", bus.ErrOpenSession, a.sessionID, err)
	}
	if reader.State().Status == store.StatusFailed {
		return fmt.Errorf("%w: %s", bus.ErrFailedSession, a.sessionID)
	}
	writer, err := session.OpenWriter(ctx, a.deps.Stores, a.deps.Auth, a.deps.Principal, reader)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", bus.ErrOpenSession, a.sessionID, err)
	}

	a.reader = reader
	a.writer = writer
	a.emit = upstream.NewEmitter(a.sessionID, a.deps.Sink)
	a.agents = agent.NewContext(a.deps.Agents, a.cfg.DelegationFuncID)
	a.caller = tools.NewCaller(a.deps.Tools)
	a.builder = prompt.NewBuilder(reader, a.deps.Uploads)

	if !a.created {
		// Restore agent/model selection from the persisted config.
		cfg := reader.State().Config
		agentID, _ := cfg["agent"].(string)
		model, _ := cfg["model"].(string)
		if agentID != "" {
			if err := a.agents.LoadAgent(agentID, model); err != nil {
				a.log.Warn("persisted agent unavailable", "agent", agentID, "error", err)
			} else {
				a.writer.SetIdentity(a.agents.AgentID(), a.agents.Model())
			}
		}
	}
	return nil
}

func (a *Actor) enqueueInitialOps() {
	if a.initAgent != "" {
		a.mustEnqueue(bus.Operation{Type: bus.OpAgentChange, Args: map[string]any{"agent": a.initAgent}, Internal: true})
	}
	if a.initModel != "" {
		a.mustEnqueue(bus.Operation{Type: bus.OpModelChange, Args: map[string]any{"model": a.initModel}, Internal: true})
	}
	if a.initFunc != "" {
		a.mustEnqueue(bus.Operation{
			Type:     bus.OpExecuteFunction,
			Args:     map[string]any{"function_id": a.initFunc, "params": a.initParams},
			Internal: true,
		})
	}
}

func (a *Actor) mustEnqueue(op bus.Operation) {
	if err := a.bus.Enqueue(op); err != nil {
		a.log.Warn("enqueue failed", "op", op.Type, "error", err)
	}
}

// handleInbox runs on the inbox goroutine. It only enqueues, emits and
// intercepts; every reader/writer touch happens in a bus handler.
func (a *Actor) handleInbox(m Msg) {
	switch m.Topic {
	case TopicMessage:
		a.handleInboxMessage(m)
	case TopicCommand:
		a.handleInboxCommand(m)
	case TopicStop:
		a.installStopInterceptor(m.RequestID)
	case TopicContinue:
		// Advisory; the bus drains on its own.
		a.log.Debug("continue received", "pending", a.bus.Pending())
	case TopicFinishAndExit:
		a.finishing = true
		a.bus.Finish()
	default:
		a.log.Warn("unknown inbox topic", "topic", m.Topic)
	}
}

func (a *Actor) handleInboxMessage(m Msg) {
	if a.finishing {
		a.emit.SessionError(upstream.CodeSessionNotFound, "session is shutting down")
		return
	}

	args := map[string]any{}
	for k, v := range m.Data {
		args[k] = v
	}
	if err := a.bus.Enqueue(bus.Operation{Type: bus.OpHandleMessage, Args: args, RequestID: m.RequestID}); err != nil {
		a.emit.SessionError(upstream.CodeSessionNotFound, "session no longer accepts messages")
	}
}

func (a *Actor) handleInboxCommand(m Msg) {
	command, _ := m.Data["command"].(string)
	switch command {
	case "stop":
		a.installStopInterceptor(m.RequestID)
	case "agent":
		name, _ := m.Data["name"].(string)
		a.mustEnqueue(bus.Operation{Type: bus.OpAgentChange, Args: map[string]any{"agent": name}, RequestID: m.RequestID})
	case "model":
		name, _ := m.Data["name"].(string)
		a.mustEnqueue(bus.Operation{Type: bus.OpModelChange, Args: map[string]any{"model": name}, RequestID: m.RequestID})
	case "artifact":
		a.mustEnqueue(bus.Operation{Type: bus.OpControlArtifacts, Args: m.Data, RequestID: m.RequestID})
	case "context":
		a.mustEnqueue(bus.Operation{Type: bus.OpContextCommand, Args: m.Data, RequestID: m.RequestID})
	default:
		a.emit.CommandResponse(m.RequestID, false, upstream.CodeInvalidJSON, fmt.Sprintf("unknown command %q", command))
	}
}

// installStopInterceptor cancels the current plan: the next handler's
// follow-ups are swallowed, so no continuation is enqueued and the queue
// drains naturally.
func (a *Actor) installStopInterceptor(requestID string) {
	a.bus.Intercept(func(ops []bus.Operation) {
		a.log.Info("plan intercepted", "dropped_ops", len(ops))
	})
	if requestID != "" {
		a.emit.CommandResponse(requestID, true, "", "")
	}
}

// onQueueEmpty is the single authority for flipping status back to idle.
func (a *Actor) onQueueEmpty(ctx context.Context) {
	if a.reader.State().Status != store.StatusRunning {
		return
	}
	if err := a.writer.UpdateStatus(ctx, store.StatusIdle, ""); err != nil {
		a.log.Error("cannot flip session to idle", "error", err)
		return
	}
	a.emit.Update(map[string]any{"status": store.StatusIdle})
}

func (a *Actor) onOpError(op bus.Operation, err error) {
	if op.RequestID != "" {
		a.emit.CommandResponse(op.RequestID, false, errorCode(err), err.Error())
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrUnknownAgent), errors.Is(err, agent.ErrNoAgent):
		return upstream.CodeAgentError
	case errors.Is(err, store.ErrBackendUnavailable):
		return upstream.CodeStorageError
	default:
		return upstream.CodeAgentError
	}
}
