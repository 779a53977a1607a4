package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/store"
)

func echoTool(name string, exclusive bool) *Tool {
	return &Tool{
		Name:      name,
		Exclusive: exclusive,
		Handler: func(_ context.Context, _ Env, args map[string]any) (map[string]any, error) {
			return map[string]any{"echo": args}, nil
		},
	}
}

func newCaller(t *testing.T, toolset ...*Tool) *Caller {
	t.Helper()
	reg := NewMapRegistry()
	for _, tool := range toolset {
		reg.Register(tool)
	}
	return NewCaller(reg)
}

func TestValidateMintsCallIDs(t *testing.T) {
	c := newCaller(t, echoTool("a", false), echoTool("b", false))

	v, err := c.Validate([]Request{{Name: "a"}, {Name: "b", CallID: "given"}})
	require.NoError(t, err)
	require.Len(t, v.Calls, 2)
	assert.NotEmpty(t, v.Calls[0].CallID)
	assert.Equal(t, "given", v.Calls[1].CallID)
	assert.Empty(t, v.Notes)
}

func TestValidateUnknownTool(t *testing.T) {
	c := newCaller(t)

	_, err := c.Validate([]Request{{Name: "nope"}})
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestValidateDecodesStringArguments(t *testing.T) {
	c := newCaller(t, echoTool("a", false))

	v, err := c.Validate([]Request{{Name: "a", RawArguments: `{"q":"go"}`}})
	require.NoError(t, err)
	assert.Equal(t, "go", v.Calls[0].Arguments["q"])

	_, err = c.Validate([]Request{{Name: "a", RawArguments: `{broken`}})
	require.Error(t, err)
}

func TestValidateSchema(t *testing.T) {
	reg := NewMapRegistry()
	reg.Register(&Tool{
		Name:   "typed",
		Schema: []byte(`{"type":"object","required":["q"],"properties":{"q":{"type":"string"}}}`),
		Handler: func(_ context.Context, _ Env, _ map[string]any) (map[string]any, error) {
			return nil, nil
		},
	})
	c := NewCaller(reg)

	_, err := c.Validate([]Request{{Name: "typed", Arguments: map[string]any{"q": "ok"}}})
	require.NoError(t, err)

	_, err = c.Validate([]Request{{Name: "typed", Arguments: map[string]any{"q": 7}}})
	require.Error(t, err)

	_, err = c.Validate([]Request{{Name: "typed"}})
	require.Error(t, err, "missing required argument must fail validation")
}

func TestValidateSingleExclusiveDropsOthers(t *testing.T) {
	c := newCaller(t, echoTool("normal", false), echoTool("solo", true))

	v, err := c.Validate([]Request{{Name: "normal"}, {Name: "solo"}})
	require.NoError(t, err)
	require.Len(t, v.Calls, 1)
	assert.Equal(t, "solo", v.Calls[0].Name)
	require.Len(t, v.Skipped, 1)
	assert.Equal(t, "normal", v.Skipped[0].Name)
	assert.Contains(t, v.Notes, SkipNoteExclusive)
}

func TestValidateTwoExclusiveFailsBatch(t *testing.T) {
	c := newCaller(t, echoTool("one", true), echoTool("two", true))

	_, err := c.Validate([]Request{{Name: "one"}, {Name: "two"}})
	require.ErrorIs(t, err, ErrMultipleExclusive)
}

func TestExecuteKeepsBatchOrder(t *testing.T) {
	slow := &Tool{
		Name: "slow",
		Handler: func(_ context.Context, _ Env, _ map[string]any) (map[string]any, error) {
			time.Sleep(20 * time.Millisecond)
			return map[string]any{"n": "slow"}, nil
		},
	}
	fast := &Tool{
		Name: "fast",
		Handler: func(_ context.Context, _ Env, _ map[string]any) (map[string]any, error) {
			return map[string]any{"n": "fast"}, nil
		},
	}
	c := newCaller(t, slow, fast)

	v, err := c.Validate([]Request{{Name: "slow"}, {Name: "fast"}})
	require.NoError(t, err)

	outcomes := c.Execute(t.Context(), Env{SessionID: "s"}, v.Calls)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "slow", outcomes[0].Call.Name)
	assert.Equal(t, "fast", outcomes[1].Call.Name)
}

func TestExecuteIsolatesFailures(t *testing.T) {
	boom := &Tool{
		Name: "boom",
		Handler: func(_ context.Context, _ Env, _ map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		},
	}
	c := newCaller(t, boom, echoTool("fine", false))

	v, err := c.Validate([]Request{{Name: "boom"}, {Name: "fine"}})
	require.NoError(t, err)

	outcomes := c.Execute(t.Context(), Env{}, v.Calls)
	require.ErrorIs(t, outcomes[0].Err, assert.AnError)
	require.NoError(t, outcomes[1].Err)
	assert.NotNil(t, outcomes[1].Result)
}

func TestParseControlStripsEnvelope(t *testing.T) {
	result := map[string]any{
		"result": "ok",
		ControlKey: map[string]any{
			"artifacts": []any{
				map[string]any{"title": "Notes", "content": "# N", "type": "inline"},
			},
			"context": map[string]any{
				"set":    map[string]any{"lang": "de"},
				"delete": []any{"tmp"},
			},
			"memory": map[string]any{
				"add":         []any{map[string]any{"type": "note", "text": "remember"}},
				"clear_types": []any{"scratch"},
			},
			"config": map[string]any{"agent": "planner"},
		},
	}

	d, cleaned := ParseControl(result)
	assert.Equal(t, "ok", cleaned["result"])
	_, hasControl := cleaned[ControlKey]
	assert.False(t, hasControl)

	require.Len(t, d.Artifacts, 1)
	assert.Equal(t, "Notes", d.Artifacts[0].Title)
	assert.Equal(t, store.ArtifactInline, d.Artifacts[0].Kind)

	require.NotNil(t, d.Context)
	assert.Equal(t, "de", d.Context.Set["lang"])
	assert.Equal(t, []string{"tmp"}, d.Context.Delete)

	require.NotNil(t, d.Memory)
	assert.Equal(t, "remember", d.Memory.Add[0].Text)
	assert.Equal(t, []string{"scratch"}, d.Memory.ClearTypes)

	require.NotNil(t, d.Config)
	assert.Equal(t, "planner", d.Config.Agent)

	// Source map keeps its envelope.
	_, still := result[ControlKey]
	assert.True(t, still)
}

func TestParseControlNoEnvelope(t *testing.T) {
	result := map[string]any{"result": "plain"}
	d, cleaned := ParseControl(result)
	assert.True(t, d.Empty())
	assert.Equal(t, result, cleaned)
}
