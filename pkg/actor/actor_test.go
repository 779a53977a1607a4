package actor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/funcs"
	"github.com/parleyhq/parley/pkg/prompt"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/tools"
	"github.com/parleyhq/parley/pkg/upstream"
)

type recordSink struct {
	mu     sync.Mutex
	events []upstream.Event
}

func (s *recordSink) Send(e upstream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordSink) all() []upstream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]upstream.Event(nil), s.events...)
}

func (s *recordSink) waitFor(t *testing.T, typ upstream.EmitType) upstream.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, e := range s.all() {
			if e.Type == typ {
				return e
			}
		}
		select {
		case <-deadline:
			t.Fatalf("event %s never emitted; saw %v", typ, s.all())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *recordSink) count(typ upstream.EmitType) int {
	n := 0
	for _, e := range s.all() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// scriptedAgent replays canned step results in order.
type scriptedAgent struct {
	id    string
	mu    sync.Mutex
	steps []func() (*agent.StepResult, error)
}

func (a *scriptedAgent) ID() string           { return a.id }
func (a *scriptedAgent) DefaultModel() string { return "m-small" }

func (a *scriptedAgent) Step(_ context.Context, _ string, _ *prompt.Prompt, _ agent.StepOptions) (*agent.StepResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.steps) == 0 {
		return &agent.StepResult{Result: "done"}, nil
	}
	step := a.steps[0]
	a.steps = a.steps[1:]
	return step()
}

type fixture struct {
	stores    store.Store
	sink      *recordSink
	actor     *Actor
	sessionID string
	toolreg   *tools.MapRegistry
	funcreg   *funcs.MapRegistry
}

func newFixture(t *testing.T, ag *scriptedAgent) *fixture {
	t.Helper()
	stores := store.NewMemory().Stores()
	ctx := t.Context()

	primary := &store.Context{ID: store.NewID(), Type: "primary", Data: map[string]any{}}
	require.NoError(t, stores.Contexts.Create(ctx, primary))
	sess := &store.Session{
		ID:               store.NewID(),
		UserID:           "u1",
		PrimaryContextID: primary.ID,
		Status:           store.StatusIdle,
		StartDate:        time.Now().UTC(),
	}
	require.NoError(t, stores.Sessions.Create(ctx, sess))

	sink := &recordSink{}
	toolreg := tools.NewMapRegistry()
	funcreg := funcs.NewMapRegistry()

	cfg := config.Default()
	cfg.CheckpointFunctionID = "summarize_session"
	cfg.TitleFunctionID = "title_session"
	deps := Deps{
		Log:       slog.New(slog.DiscardHandler),
		Config:    cfg,
		Stores:    stores,
		Uploads:   store.NewMemoryUploads(),
		Auth:      &session.OwnerAuthorizer{},
		Agents:    agent.NewMapRegistry(ag),
		Tools:     toolreg,
		Funcs:     funcreg,
		Sink:      sink,
		Principal: session.Actor{UserID: "u1"},
	}
	a := New(deps, sess.ID, Options{Created: true, Agent: ag.id, Model: "m-small"})
	go a.Run(ctx)
	t.Cleanup(func() {
		_ = a.Send(Msg{Topic: TopicFinishAndExit})
		select {
		case <-a.Done():
		case <-time.After(2 * time.Second):
		}
	})
	return &fixture{stores: stores, sink: sink, actor: a, sessionID: sess.ID, toolreg: toolreg, funcreg: funcreg}
}

func TestSimpleMessageReply(t *testing.T) {
	ag := &scriptedAgent{id: "chat", steps: []func() (*agent.StepResult, error){
		func() (*agent.StepResult, error) {
			return &agent.StepResult{Result: "hello", Tokens: 12}, nil
		},
	}}
	f := newFixture(t, ag)

	require.NoError(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "hi"}}))

	f.sink.waitFor(t, upstream.EmitReceived)
	f.sink.waitFor(t, upstream.EmitResponseStarted)

	// Status cycles running then idle.
	require.Eventually(t, func() bool {
		sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
		return err == nil && sess.Status == store.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	page, err := f.stores.Messages.ListBySession(t.Context(), f.sessionID, 10, "", store.DirectionAfter)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, store.MessageUser, page.Messages[0].Type)
	assert.Equal(t, store.MessageAssistant, page.Messages[1].Type)

	var body struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(page.Messages[1].Data, &body))
	assert.Equal(t, "hello", body.Text)

	// received strictly precedes the response events.
	events := f.sink.all()
	received, started := -1, -1
	for i, e := range events {
		switch e.Type {
		case upstream.EmitReceived:
			received = i
		case upstream.EmitResponseStarted:
			started = i
		}
	}
	require.GreaterOrEqual(t, received, 0)
	require.Greater(t, started, received)

	sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, 12, intOf(sess.Meta["tokens"]))
}

func TestMessagesDuringActiveTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ag := &scriptedAgent{id: "chat", steps: []func() (*agent.StepResult, error){
		func() (*agent.StepResult, error) {
			close(started)
			<-release
			return &agent.StepResult{Result: "first", Tokens: 7}, nil
		},
	}}
	f := newFixture(t, ag)

	require.NoError(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "one"}}))
	<-started

	// Traffic keeps landing while the turn is in flight. The inbox must not
	// touch session state; it only queues work behind the running turn.
	for i := 0; i < 20; i++ {
		require.NoError(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "more"}}))
	}
	close(release)

	require.Eventually(t, func() bool {
		sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
		return err == nil && sess.Status == store.StatusIdle
	}, 5*time.Second, 10*time.Millisecond)

	// Every message got its own full turn: 21 user, 21 assistant.
	n, err := f.stores.Messages.CountBySession(t.Context(), f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, 21, f.sink.count(upstream.EmitReceived))

	sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, 7, intOf(sess.Meta["tokens"]))
}

func TestToolControlDirectiveCreatesArtifact(t *testing.T) {
	ag := &scriptedAgent{id: "chat", steps: []func() (*agent.StepResult, error){
		func() (*agent.StepResult, error) {
			return &agent.StepResult{ToolCalls: []tools.Request{{Name: "make_doc", Arguments: map[string]any{"title": "Notes"}}}}, nil
		},
		func() (*agent.StepResult, error) {
			return &agent.StepResult{Result: "created"}, nil
		},
	}}
	f := newFixture(t, ag)

	f.toolreg.Register(&tools.Tool{
		Name: "make_doc",
		Handler: func(_ context.Context, _ tools.Env, args map[string]any) (map[string]any, error) {
			return map[string]any{
				"result": "ok",
				tools.ControlKey: map[string]any{
					"artifacts": []any{map[string]any{
						"title": args["title"], "content": "# N", "type": "inline",
					}},
				},
			}, nil
		},
	})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "make notes"}}))

	f.sink.waitFor(t, upstream.EmitFunctionCall)
	f.sink.waitFor(t, upstream.EmitFunctionSuccess)

	require.Eventually(t, func() bool {
		n, err := f.stores.Artifacts.CountBySession(t.Context(), f.sessionID)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	arts, err := f.stores.Artifacts.ListBySession(t.Context(), f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Notes", arts[0].Title)

	// artifact_added update carries the new id.
	require.Eventually(t, func() bool {
		for _, e := range f.sink.all() {
			if e.Type == upstream.EmitUpdate && e.Payload["artifact_added"] == arts[0].ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Developer instruction message with the insertion tag.
	require.Eventually(t, func() bool {
		msgs, err := f.stores.Messages.ListByType(t.Context(), f.sessionID, store.MessageDeveloper, 10)
		if err != nil || len(msgs) == 0 {
			return false
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msgs[0].Data, &body); err != nil {
			return false
		}
		return strings.Contains(body.Text, `<artifact id="`+arts[0].ID+`"/>`)
	}, 2*time.Second, 10*time.Millisecond)

	// The persisted function result carries no control envelope.
	fns, err := f.stores.Messages.ListByType(t.Context(), f.sessionID, store.MessageFunction, 10)
	require.NoError(t, err)
	require.Len(t, fns, 1)
	result, ok := fns[0].Metadata["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", result["result"])
	_, leaked := result[tools.ControlKey]
	assert.False(t, leaked)
}

func TestExclusiveToolBatch(t *testing.T) {
	ag := &scriptedAgent{id: "chat", steps: []func() (*agent.StepResult, error){
		func() (*agent.StepResult, error) {
			return &agent.StepResult{ToolCalls: []tools.Request{
				{Name: "normal"},
				{Name: "solo"},
			}}, nil
		},
		func() (*agent.StepResult, error) {
			return &agent.StepResult{Result: "after"}, nil
		},
	}}
	f := newFixture(t, ag)

	var mu sync.Mutex
	ran := map[string]int{}
	handler := func(name string) tools.Handler {
		return func(context.Context, tools.Env, map[string]any) (map[string]any, error) {
			mu.Lock()
			ran[name]++
			mu.Unlock()
			return map[string]any{"ok": true}, nil
		}
	}
	f.toolreg.Register(&tools.Tool{Name: "normal", Handler: handler("normal")})
	f.toolreg.Register(&tools.Tool{Name: "solo", Exclusive: true, Handler: handler("solo")})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "go"}}))
	f.sink.waitFor(t, upstream.EmitFunctionSuccess)

	require.Eventually(t, func() bool {
		sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
		return err == nil && sess.Status == store.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, ran["solo"])
	assert.Zero(t, ran["normal"])
	assert.Equal(t, 1, f.sink.count(upstream.EmitFunctionCall))
}

func TestToolFailureIsIsolated(t *testing.T) {
	ag := &scriptedAgent{id: "chat", steps: []func() (*agent.StepResult, error){
		func() (*agent.StepResult, error) {
			return &agent.StepResult{ToolCalls: []tools.Request{{Name: "boom"}, {Name: "fine"}}}, nil
		},
		func() (*agent.StepResult, error) {
			return &agent.StepResult{Result: "recovered"}, nil
		},
	}}
	f := newFixture(t, ag)

	f.toolreg.Register(&tools.Tool{Name: "boom", Handler: func(context.Context, tools.Env, map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	}})
	f.toolreg.Register(&tools.Tool{Name: "fine", Handler: func(context.Context, tools.Env, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "go"}}))

	f.sink.waitFor(t, upstream.EmitFunctionError)
	f.sink.waitFor(t, upstream.EmitFunctionSuccess)

	// The failing tool never kills the session: the turn continues and the
	// session settles idle, not failed.
	require.Eventually(t, func() bool {
		sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
		return err == nil && sess.Status == store.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	fns, err := f.stores.Messages.ListByType(t.Context(), f.sessionID, store.MessageFunction, 10)
	require.NoError(t, err)
	require.Len(t, fns, 2)
	statuses := map[string]bool{}
	for _, m := range fns {
		statuses[stringOf(m.Metadata["status"])] = true
	}
	assert.True(t, statuses[session.CallError])
	assert.True(t, statuses[session.CallSuccess])
}

func TestStopCommandInterceptsPlan(t *testing.T) {
	stepStarted := make(chan struct{})
	release := make(chan struct{})
	ag := &scriptedAgent{id: "chat", steps: []func() (*agent.StepResult, error){
		func() (*agent.StepResult, error) {
			close(stepStarted)
			<-release
			return &agent.StepResult{ToolCalls: []tools.Request{{Name: "next"}}}, nil
		},
	}}
	f := newFixture(t, ag)
	f.toolreg.Register(&tools.Tool{Name: "next", Handler: func(context.Context, tools.Env, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "start"}}))
	<-stepStarted

	require.NoError(t, f.actor.Send(Msg{Topic: TopicCommand, RequestID: "r1", Data: map[string]any{"command": "stop"}}))
	resp := f.sink.waitFor(t, upstream.EmitCommandResponse)
	assert.Equal(t, true, resp.Payload["success"])
	close(release)

	// The agent step's follow-up tool op is swallowed; queue drains idle
	// and no function_call ever fires.
	require.Eventually(t, func() bool {
		sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
		return err == nil && sess.Status == store.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.sink.count(upstream.EmitFunctionCall))
}

func TestAgentCommandSwitchesAgent(t *testing.T) {
	chat := &scriptedAgent{id: "chat"}
	f := newFixture(t, chat)

	// A second agent joins the registry after startup.
	reg, ok := f.actor.deps.Agents.(*agent.MapRegistry)
	require.True(t, ok)
	reg.Register(&scriptedAgent{id: "planner"})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicCommand, RequestID: "r2", Data: map[string]any{"command": "agent", "name": "planner"}}))

	resp := f.sink.waitFor(t, upstream.EmitCommandResponse)
	assert.Equal(t, true, resp.Payload["success"])

	require.Eventually(t, func() bool {
		sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
		return err == nil && sess.Config["agent"] == "planner"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownAgentCommandFails(t *testing.T) {
	f := newFixture(t, &scriptedAgent{id: "chat"})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicCommand, RequestID: "r3", Data: map[string]any{"command": "agent", "name": "ghost"}}))

	resp := f.sink.waitFor(t, upstream.EmitCommandResponse)
	assert.Equal(t, false, resp.Payload["success"])
	assert.Equal(t, upstream.CodeAgentError, resp.Payload["code"])
}

func TestContextCommandRoundTrip(t *testing.T) {
	f := newFixture(t, &scriptedAgent{id: "chat"})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicCommand, RequestID: "w1", Data: map[string]any{
		"command": "context", "action": "write", "key": "lang", "data": "de",
	}}))
	f.sink.waitFor(t, upstream.EmitCommandResponse)

	require.NoError(t, f.actor.Send(Msg{Topic: TopicCommand, RequestID: "rd1", Data: map[string]any{
		"command": "context", "action": "read", "key": "lang",
	}}))
	require.Eventually(t, func() bool {
		for _, e := range f.sink.all() {
			if e.Type == upstream.EmitCommandResponse && e.Payload["request_id"] == "rd1" {
				return e.Payload["message"] == `"de"`
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckpointTriggerAnchorsCursor(t *testing.T) {
	ag := &scriptedAgent{id: "chat", steps: []func() (*agent.StepResult, error){
		func() (*agent.StepResult, error) {
			// Over the checkpoint threshold right away.
			return &agent.StepResult{Result: "long reply", Tokens: 1 << 20}, nil
		},
	}}
	f := newFixture(t, ag)

	f.funcreg.Register(f.actor.cfg.CheckpointFunctionID, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"summary": "talked a lot"}, nil
	})
	f.funcreg.Register(f.actor.cfg.TitleFunctionID, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"title": `"A Long Chat"` + "\n"}, nil
	})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "hi"}}))

	require.Eventually(t, func() bool {
		sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
		return err == nil && sess.Status == store.StatusIdle && sess.Title != ""
	}, 2*time.Second, 10*time.Millisecond)

	sess, err := f.stores.Sessions.Get(t.Context(), f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, "A Long Chat", sess.Title)

	// Checkpoint anchored at the latest message; summary recorded.
	ctxRow, err := f.stores.Contexts.Get(t.Context(), sess.PrimaryContextID)
	require.NoError(t, err)
	anchor, _ := ctxRow.Data[session.CheckpointKey].(string)
	require.NotEmpty(t, anchor)

	latest, err := f.stores.Messages.GetLatest(t.Context(), f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, anchor)

	summaries, err := f.stores.SessionContexts.ListByType(t.Context(), f.sessionID, "conversation_summary")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "talked a lot", summaries[0].Text)
}

func TestFinishRejectsNewMessages(t *testing.T) {
	f := newFixture(t, &scriptedAgent{id: "chat"})

	require.NoError(t, f.actor.Send(Msg{Topic: TopicFinishAndExit}))
	select {
	case <-f.actor.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit after finish")
	}
	require.Error(t, f.actor.Send(Msg{Topic: TopicMessage, Data: map[string]any{"text": "late"}}))
	assert.NoError(t, f.actor.Err())
}

func TestFailedSessionRefusesToOpen(t *testing.T) {
	stores := store.NewMemory().Stores()
	ctx := t.Context()

	sess := &store.Session{ID: store.NewID(), UserID: "u1", Status: store.StatusFailed}
	require.NoError(t, stores.Sessions.Create(ctx, sess))

	deps := Deps{
		Log:       slog.New(slog.DiscardHandler),
		Config:    config.Default(),
		Stores:    stores,
		Auth:      &session.OwnerAuthorizer{},
		Agents:    agent.NewMapRegistry(&scriptedAgent{id: "chat"}),
		Tools:     tools.NewMapRegistry(),
		Funcs:     funcs.NewMapRegistry(),
		Sink:      &recordSink{},
		Principal: session.Actor{UserID: "u1"},
	}
	a := New(deps, sess.ID, Options{})
	a.Run(ctx)
	require.Error(t, a.Err())
}
