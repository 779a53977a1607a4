package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/bus"
	"github.com/parleyhq/parley/pkg/prompt"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/tools"
	"github.com/parleyhq/parley/pkg/upstream"
)

func (a *Actor) registerHandlers() {
	a.bus.Handle(bus.OpHandleMessage, a.opHandleMessage)
	a.bus.Handle(bus.OpAgentStep, a.opAgentStep)
	a.bus.Handle(bus.OpAgentContinue, a.opAgentStep)
	a.bus.Handle(bus.OpProcessTools, a.opProcessTools)
	a.bus.Handle(bus.OpControlArtifacts, a.opControlArtifacts)
	a.bus.Handle(bus.OpControlContext, a.opControlContext)
	a.bus.Handle(bus.OpControlMemory, a.opControlMemory)
	a.bus.Handle(bus.OpControlConfig, a.opControlConfig)
	a.bus.Handle(bus.OpAgentChange, a.opAgentChange)
	a.bus.Handle(bus.OpModelChange, a.opModelChange)
	a.bus.Handle(bus.OpGenerateTitle, a.opGenerateTitle)
	a.bus.Handle(bus.OpCreateCheckpoint, a.opCreateCheckpoint)
	a.bus.Handle(bus.OpCheckTriggers, a.opCheckTriggers)
	a.bus.Handle(bus.OpExecuteFunction, a.opExecuteFunction)
	a.bus.Handle(bus.OpContextCommand, a.opContextCommand)
}

// opHandleMessage flips the session to running, persists the user message,
// acknowledges it and hands the turn to the agent.
func (a *Actor) opHandleMessage(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	text, err := op.StringArg("text")
	if err != nil {
		return nil, err
	}

	if err := a.writer.UpdateStatus(ctx, store.StatusRunning, ""); err != nil {
		a.emit.SessionError(upstream.CodeStorageError, "cannot update session status")
		return nil, err
	}
	a.emit.Update(map[string]any{"status": store.StatusRunning})

	data, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return nil, fmt.Errorf("encoding user message: %w", err)
	}
	metadata := map[string]any{}
	if uuids, ok := op.Args["file_uuids"]; ok {
		metadata["file_uuids"] = uuids
	}

	m, err := a.writer.AddMessage(ctx, store.MessageUser, data, metadata)
	if err != nil {
		a.emit.SessionError(upstream.CodeStorageError, "cannot persist message")
		return nil, err
	}
	a.emit.Received(m.ID)

	return &bus.Result{NextOps: []bus.Operation{{
		Type: bus.OpAgentStep,
		Args: map[string]any{"from_user": true, "user_message_id": m.ID},
	}}}, nil
}

// opAgentStep runs one agent turn; agent_continue shares this handler with
// from_user=false.
func (a *Actor) opAgentStep(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	fromUser, _ := op.Args["from_user"].(bool)
	userMessageID, _ := op.Args["user_message_id"].(string)

	p, err := a.builder.Build(ctx, prompt.Options{
		FromCheckpoint: true,
		Limit:          a.cfg.MaxMessageLimit,
	})
	if err != nil {
		a.emit.SessionError(upstream.CodeStorageError, "cannot build prompt")
		return nil, err
	}

	responseID := store.NewID()
	if fromUser && userMessageID != "" {
		a.emit.ResponseStarted(userMessageID, responseID)
	}

	res, err := a.agents.Step(ctx, p, agent.StepOptions{
		Stream: func(chunk string) { a.emit.Content(responseID, chunk) },
	})
	if err != nil {
		a.emit.MessageError(responseID, upstream.CodeAgentError, err.Error())
		return nil, fmt.Errorf("agent step: %w", err)
	}

	if res.Result != "" {
		body, err := json.Marshal(map[string]any{"text": res.Result})
		if err != nil {
			return nil, fmt.Errorf("encoding assistant message: %w", err)
		}
		metadata := map[string]any{"message_id": responseID}
		for k, v := range res.Metadata {
			metadata[k] = v
		}
		if _, err := a.writer.AddMessage(ctx, store.MessageAssistant, body, metadata); err != nil {
			a.emit.SessionError(upstream.CodeStorageError, "cannot persist response")
			return nil, err
		}
	}

	if res.MemoryRecall != "" {
		if _, err := a.writer.AddSessionContext(ctx, "memory_recall", res.MemoryRecall); err != nil {
			a.log.Warn("cannot persist memory recall", "error", err)
		}
	}
	if res.MemoryPrompt != "" {
		if _, err := a.writer.AddSessionContext(ctx, "memory_prompt", res.MemoryPrompt); err != nil {
			a.log.Warn("cannot persist memory prompt", "error", err)
		}
	}
	if res.Tokens > 0 {
		if err := a.writer.UpdateMeta(ctx, map[string]any{"tokens": res.Tokens}); err != nil {
			a.log.Warn("cannot persist token count", "error", err)
		}
	}

	calls := res.ToolCalls
	for _, d := range res.DelegateCalls {
		d.Name = a.cfg.DelegationFuncID
		calls = append(calls, d)
	}
	if len(calls) > 0 {
		return &bus.Result{NextOps: []bus.Operation{{
			Type: bus.OpProcessTools,
			Args: map[string]any{"calls": calls},
		}}}, nil
	}
	return &bus.Result{NextOps: []bus.Operation{{Type: bus.OpCheckTriggers}}}, nil
}

// opProcessTools validates and executes a tool batch, persists per-call
// results and splits control directives into follow-up operations.
func (a *Actor) opProcessTools(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	raw, err := op.Arg("calls")
	if err != nil {
		return nil, err
	}
	requests, ok := raw.([]tools.Request)
	if !ok {
		return nil, fmt.Errorf("%w: process_tools.calls", bus.ErrMissingArgs)
	}

	validation, err := a.caller.Validate(requests)
	if err != nil {
		a.emit.SessionError(upstream.CodeAgentError, err.Error())
		return nil, fmt.Errorf("validating tool batch: %w", err)
	}
	for _, note := range validation.Notes {
		a.log.Info("tool validation", "note", note)
	}

	// Persist every call up front so the transcript shows the full batch
	// before any tool runs.
	messages := make([]*store.Message, len(validation.Calls))
	for i, call := range validation.Calls {
		m, err := a.writer.AddFunctionCall(ctx, call.Name, call.CallID, call.Arguments, call.Private)
		if err != nil {
			a.emit.SessionError(upstream.CodeStorageError, "cannot persist tool call")
			return nil, err
		}
		messages[i] = m
		a.emit.FunctionCall(m.ID, call.CallID, call.Name)
	}

	env := tools.Env{
		SessionID: a.sessionID,
		UserID:    a.reader.State().UserID,
		Agent:     a.agents.AgentID(),
		Model:     a.agents.Model(),
	}
	outcomes := a.caller.Execute(ctx, env, validation.Calls)

	var nextOps []bus.Operation
	for i, outcome := range outcomes {
		m := messages[i]
		if outcome.Err != nil {
			if err := a.writer.UpdateFunctionResult(ctx, m.ID, false, outcome.Err.Error()); err != nil {
				a.log.Error("cannot persist tool failure", "error", err)
			}
			a.emit.FunctionError(m.ID, outcome.Call.CallID, outcome.Err.Error())
			continue
		}

		directives, cleaned := tools.ParseControl(outcome.Result)
		if err := a.writer.UpdateFunctionResult(ctx, m.ID, true, cleaned); err != nil {
			a.log.Error("cannot persist tool result", "error", err)
		}
		a.emit.FunctionSuccess(m.ID, outcome.Call.CallID)
		nextOps = append(nextOps, directiveOps(directives)...)
	}

	if len(outcomes) > 0 {
		nextOps = append(nextOps, bus.Operation{Type: bus.OpAgentContinue, Args: map[string]any{"from_user": false}})
	}
	return &bus.Result{NextOps: nextOps}, nil
}

// directiveOps maps a control envelope to its control operations.
func directiveOps(d *tools.Directives) []bus.Operation {
	var ops []bus.Operation
	if len(d.Artifacts) > 0 {
		ops = append(ops, bus.Operation{Type: bus.OpControlArtifacts, Args: map[string]any{"directives": d.Artifacts}})
	}
	if d.Context != nil {
		ops = append(ops, bus.Operation{Type: bus.OpControlContext, Args: map[string]any{"directive": d.Context}})
	}
	if d.Memory != nil {
		ops = append(ops, bus.Operation{Type: bus.OpControlMemory, Args: map[string]any{"directive": d.Memory}})
	}
	if d.Config != nil {
		ops = append(ops, bus.Operation{Type: bus.OpControlConfig, Args: map[string]any{
			"agent": d.Config.Agent,
			"model": d.Config.Model,
		}})
	}
	return ops
}

// opControlArtifacts applies artifact directives and appends a developer
// instruction message carrying insertion tags for the new artifacts.
func (a *Actor) opControlArtifacts(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	directives, err := artifactDirectives(op)
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, d := range directives {
		if d.ArtifactID != "" {
			title := d.Title
			var titlePtr *string
			if title != "" {
				titlePtr = &title
			}
			if err := a.writer.UpdateArtifact(ctx, d.ArtifactID, titlePtr, nil, d.Meta); err != nil {
				a.emit.SessionError(upstream.CodeStorageError, "cannot update artifact")
				return nil, err
			}
			if d.Content != "" {
				if err := a.writer.UpdateArtifactContent(ctx, d.ArtifactID, []byte(d.Content)); err != nil {
					return nil, err
				}
			}
			a.emit.Update(map[string]any{"artifact_added": d.ArtifactID})
			tags = append(tags, fmt.Sprintf(`<artifact id=%q/>`, d.ArtifactID))
			continue
		}

		art, err := a.writer.CreateArtifact(ctx, d.Kind, d.Title, []byte(d.Content), d.Meta)
		if err != nil {
			a.emit.SessionError(upstream.CodeStorageError, "cannot create artifact")
			return nil, err
		}
		a.emit.Update(map[string]any{"artifact_added": art.ID})
		tags = append(tags, fmt.Sprintf(`<artifact id=%q/>`, art.ID))
	}

	if len(tags) > 0 {
		body, err := json.Marshal(map[string]any{
			"text": "Artifacts available for insertion: " + strings.Join(tags, " "),
		})
		if err != nil {
			return nil, fmt.Errorf("encoding artifact instruction: %w", err)
		}
		if _, err := a.writer.AddMessage(ctx, store.MessageDeveloper, body, nil); err != nil {
			return nil, err
		}
	}
	if op.RequestID != "" {
		a.emit.CommandResponse(op.RequestID, true, "", "")
	}
	return &bus.Result{Completed: true}, nil
}

// artifactDirectives accepts either parsed directives (from the control
// path) or the raw client command shape.
func artifactDirectives(op bus.Operation) ([]tools.ArtifactDirective, error) {
	if raw, ok := op.Args["directives"]; ok {
		directives, ok := raw.([]tools.ArtifactDirective)
		if !ok {
			return nil, fmt.Errorf("%w: control_artifacts.directives", bus.ErrMissingArgs)
		}
		return directives, nil
	}

	items, ok := op.Args["artifacts"].([]any)
	if !ok {
		if single, ok := op.Args["artifact_id"].(string); ok && single != "" {
			return []tools.ArtifactDirective{{ArtifactID: single}}, nil
		}
		return nil, fmt.Errorf("%w: control_artifacts.artifacts", bus.ErrMissingArgs)
	}
	var directives []tools.ArtifactDirective
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		d := tools.ArtifactDirective{
			ArtifactID: stringOf(m["artifact_id"]),
			Title:      stringOf(m["title"]),
			Content:    stringOf(m["content"]),
			Kind:       store.ArtifactKind(stringOf(m["type"])),
		}
		if d.Kind == "" {
			d.Kind = store.ArtifactInline
		}
		if meta, ok := m["meta"].(map[string]any); ok {
			d.Meta = meta
		}
		directives = append(directives, d)
	}
	return directives, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// opControlContext applies public-meta and primary-context mutations.
func (a *Actor) opControlContext(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	raw, err := op.Arg("directive")
	if err != nil {
		return nil, err
	}
	d, ok := raw.(*tools.ContextDirective)
	if !ok {
		return nil, fmt.Errorf("%w: control_context.directive", bus.ErrMissingArgs)
	}

	for key, value := range d.Set {
		if err := a.writer.SetContext(ctx, key, value); err != nil {
			return nil, err
		}
	}
	for _, key := range d.Delete {
		if err := a.writer.DeleteContext(ctx, key); err != nil {
			return nil, err
		}
	}
	if len(d.PublicSet) > 0 {
		if err := a.writer.UpdatePublicMeta(ctx, d.PublicSet); err != nil {
			return nil, err
		}
	}
	if len(d.PublicDelete) > 0 {
		if err := a.writer.RemovePublicMeta(ctx, d.PublicDelete); err != nil {
			return nil, err
		}
	}
	if len(d.PublicSet) > 0 || len(d.PublicDelete) > 0 {
		a.emit.Update(map[string]any{"public_meta": a.reader.State().PublicMeta})
	}
	return &bus.Result{Completed: true}, nil
}

// opControlMemory applies memory-row mutations.
func (a *Actor) opControlMemory(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	raw, err := op.Arg("directive")
	if err != nil {
		return nil, err
	}
	d, ok := raw.(*tools.MemoryDirective)
	if !ok {
		return nil, fmt.Errorf("%w: control_memory.directive", bus.ErrMissingArgs)
	}

	for _, add := range d.Add {
		if _, err := a.writer.AddSessionContext(ctx, add.Type, add.Text); err != nil {
			return nil, err
		}
	}
	for _, id := range d.Delete {
		if err := a.writer.DeleteSessionContext(ctx, id); err != nil {
			return nil, err
		}
	}
	for _, typ := range d.ClearTypes {
		if err := a.writer.DeleteSessionContextsByType(ctx, typ); err != nil {
			return nil, err
		}
	}
	return &bus.Result{Completed: true}, nil
}

// opControlConfig switches agent and/or model and persists the selection.
func (a *Actor) opControlConfig(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	agentID, _ := op.Args["agent"].(string)
	model, _ := op.Args["model"].(string)
	if agentID == "" && model == "" {
		return nil, fmt.Errorf("%w: control_config needs agent or model", bus.ErrMissingArgs)
	}
	return a.applyConfigChange(ctx, op, agentID, model)
}

func (a *Actor) opAgentChange(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	agentID, err := op.StringArg("agent")
	if err != nil {
		return nil, err
	}
	return a.applyConfigChange(ctx, op, agentID, "")
}

func (a *Actor) opModelChange(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	model, err := op.StringArg("model")
	if err != nil {
		return nil, err
	}
	return a.applyConfigChange(ctx, op, "", model)
}

func (a *Actor) applyConfigChange(ctx context.Context, op bus.Operation, agentID, model string) (*bus.Result, error) {
	if agentID != "" {
		if err := a.agents.SwitchToAgent(agentID, model); err != nil {
			return nil, err
		}
	} else if model != "" {
		if err := a.agents.SwitchToModel(model); err != nil {
			return nil, err
		}
	}

	a.writer.SetIdentity(a.agents.AgentID(), a.agents.Model())
	if err := a.writer.UpdateConfig(ctx, map[string]any{
		"agent": a.agents.AgentID(),
		"model": a.agents.Model(),
	}); err != nil {
		return nil, err
	}

	a.emit.Update(map[string]any{"agent": a.agents.AgentID(), "model": a.agents.Model()})
	if op.RequestID != "" {
		a.emit.CommandResponse(op.RequestID, true, "", "")
	}
	return &bus.Result{Completed: true}, nil
}

// opGenerateTitle asks the configured title function for a title and
// persists the sanitized result.
func (a *Actor) opGenerateTitle(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	if a.cfg.TitleFunctionID == "" {
		return &bus.Result{Completed: true}, nil
	}
	result, err := a.deps.Funcs.Call(ctx, a.cfg.TitleFunctionID, map[string]any{
		"session_id": a.sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("title function: %w", err)
	}
	title := sanitizeTitle(stringOf(result["title"]))
	if title == "" {
		return &bus.Result{Completed: true}, nil
	}
	if err := a.writer.UpdateTitle(ctx, title); err != nil {
		return nil, err
	}
	a.emit.Update(map[string]any{"title": title})
	return &bus.Result{Completed: true}, nil
}

const maxTitleLen = 120

// sanitizeTitle strips quoting and newlines a model tends to wrap titles in
// and caps the length.
func sanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.ReplaceAll(title, "\n", " ")
	title = strings.Join(strings.Fields(title), " ")
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen])
	}
	return title
}

// opCreateCheckpoint summarizes the conversation so far, anchors the
// checkpoint at the latest message and records the summary as a memory row.
func (a *Actor) opCreateCheckpoint(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	if a.cfg.CheckpointFunctionID == "" {
		return &bus.Result{Completed: true}, nil
	}
	latest, err := a.reader.Messages().One(ctx)
	if err != nil {
		if isNotFound(err) {
			return &bus.Result{Completed: true}, nil
		}
		return nil, err
	}

	result, err := a.deps.Funcs.Call(ctx, a.cfg.CheckpointFunctionID, map[string]any{
		"session_id": a.sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint function: %w", err)
	}
	summary := stringOf(result["summary"])
	if summary == "" {
		return &bus.Result{Completed: true}, nil
	}

	if err := a.writer.SetContext(ctx, session.CheckpointKey, latest.ID); err != nil {
		return nil, err
	}
	if err := a.writer.UpdateMessageMeta(ctx, latest.ID, map[string]any{"checkpoint": true}); err != nil {
		a.log.Warn("cannot mark checkpoint message", "error", err)
	}
	if _, err := a.writer.AddSessionContext(ctx, "conversation_summary", summary); err != nil {
		return nil, err
	}

	checkpoints, _ := a.reader.State().Meta["checkpoints"].([]any)
	checkpoints = append(checkpoints, latest.ID)
	if err := a.writer.UpdateMeta(ctx, map[string]any{"checkpoints": checkpoints}); err != nil {
		a.log.Warn("cannot record checkpoint list", "error", err)
	}

	if a.reader.State().Title == "" {
		return &bus.Result{NextOps: []bus.Operation{{Type: bus.OpGenerateTitle}}, Completed: true}, nil
	}
	return &bus.Result{Completed: true}, nil
}

// opCheckTriggers decides whether background maintenance is due.
func (a *Actor) opCheckTriggers(ctx context.Context, _ bus.Operation) (*bus.Result, error) {
	var next []bus.Operation

	tokens := intOf(a.reader.State().Meta["tokens"])
	if a.cfg.TokenCheckpointThreshold > 0 && tokens >= a.cfg.TokenCheckpointThreshold {
		next = append(next, bus.Operation{Type: bus.OpCreateCheckpoint})
	}

	if a.reader.State().Title == "" {
		count, err := a.reader.Messages().Count(ctx)
		if err != nil {
			return nil, err
		}
		if count >= 2 {
			next = append(next, bus.Operation{Type: bus.OpGenerateTitle})
		}
	}
	return &bus.Result{NextOps: next}, nil
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// opExecuteFunction invokes an arbitrary registry function and surfaces its
// control directives.
func (a *Actor) opExecuteFunction(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	functionID, err := op.StringArg("function_id")
	if err != nil {
		return nil, err
	}
	params, _ := op.Args["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	params["session_id"] = a.sessionID

	result, err := a.deps.Funcs.Call(ctx, functionID, params)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", functionID, err)
	}

	directives, _ := tools.ParseControl(result)
	if op.RequestID != "" {
		a.emit.CommandResponse(op.RequestID, true, "", "")
	}
	return &bus.Result{NextOps: directiveOps(directives), Completed: true}, nil
}

// opContextCommand serves client context commands: read, write, delete.
func (a *Actor) opContextCommand(ctx context.Context, op bus.Operation) (*bus.Result, error) {
	action, err := op.StringArg("action")
	if err != nil {
		return nil, err
	}
	key, err := op.StringArg("key")
	if err != nil {
		return nil, err
	}

	switch action {
	case "write":
		if err := a.writer.SetContext(ctx, key, op.Args["data"]); err != nil {
			return nil, err
		}
	case "delete":
		if err := a.writer.DeleteContext(ctx, key); err != nil {
			return nil, err
		}
	case "read":
		value, _ := a.reader.ContextValue(key)
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding context value: %w", err)
		}
		a.emit.CommandResponse(op.RequestID, true, "", string(encoded))
		return &bus.Result{Completed: true}, nil
	default:
		if op.RequestID != "" {
			a.emit.CommandResponse(op.RequestID, false, upstream.CodeInvalidJSON, fmt.Sprintf("unknown context action %q", action))
		}
		return &bus.Result{Completed: true}, nil
	}

	if op.RequestID != "" {
		a.emit.CommandResponse(op.RequestID, true, "", "")
	}
	return &bus.Result{Completed: true}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
