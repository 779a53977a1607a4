package prompt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
)

func newFixture(t *testing.T) (*session.Reader, *session.Writer, *store.MemoryUploads) {
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

	auth := &session.OwnerAuthorizer{}
	actor := session.Actor{UserID: "u1"}
	reader, err := session.OpenReader(ctx, stores, auth, actor, sess.ID)
	require.NoError(t, err)
	writer, err := session.OpenWriter(ctx, stores, auth, actor, reader)
	require.NoError(t, err)
	return reader, writer, store.NewMemoryUploads()
}

func TestBuildStartsWithDatedSystemBlock(t *testing.T) {
	reader, _, _ := newFixture(t)
	b := NewBuilder(reader, nil)
	b.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }

	p, err := b.Build(t.Context(), Options{})
	require.NoError(t, err)
	require.NotZero(t, p.Len())
	assert.Equal(t, RoleSystem, p.Blocks[0].Role)
	assert.Equal(t, "Current date: 2026-03-14", p.Blocks[0].Content)
}

func TestBuildCollatesMemories(t *testing.T) {
	reader, writer, _ := newFixture(t)
	ctx := t.Context()

	_, err := writer.AddSessionContext(ctx, "note", "likes go")
	require.NoError(t, err)
	_, err = writer.AddSessionContext(ctx, "conversation_summary", "greeted")
	require.NoError(t, err)

	p, err := NewBuilder(reader, nil).Build(ctx, Options{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, p.Len(), 2)

	memory := p.Blocks[1]
	assert.Equal(t, RoleSystem, memory.Role)
	assert.True(t, memory.CacheMarker)
	assert.Contains(t, memory.Content, "## conversation_summary")
	assert.Contains(t, memory.Content, "## note")
	assert.Contains(t, memory.Content, "- likes go")
}

func TestBuildMapsConversationRoles(t *testing.T) {
	reader, writer, _ := newFixture(t)
	ctx := t.Context()

	_, err := writer.AddMessage(ctx, store.MessageUser, []byte(`{"text":"hi"}`), nil)
	require.NoError(t, err)
	_, err = writer.AddMessage(ctx, store.MessageAssistant, []byte(`{"text":"hello"}`), nil)
	require.NoError(t, err)

	p, err := NewBuilder(reader, nil).Build(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())
	assert.Equal(t, RoleUser, p.Blocks[1].Role)
	assert.Equal(t, "hi", p.Blocks[1].Content)
	assert.Equal(t, RoleAssistant, p.Blocks[2].Role)
	assert.Equal(t, "hello", p.Blocks[2].Content)
}

func TestBuildPairsFunctionMessages(t *testing.T) {
	reader, writer, _ := newFixture(t)
	ctx := t.Context()

	m, err := writer.AddFunctionCall(ctx, "search", "call-9", map[string]any{"q": "go"}, false)
	require.NoError(t, err)

	p, err := NewBuilder(reader, nil).Build(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())
	call, result := p.Blocks[1], p.Blocks[2]
	assert.Equal(t, RoleFunctionCall, call.Role)
	assert.Equal(t, "search", call.Name)
	assert.Equal(t, "call-9", call.CallID)
	assert.Equal(t, RoleFunctionResult, result.Role)
	assert.Equal(t, "call-9", result.CallID)
	assert.Equal(t, PendingResult, result.Content)

	require.NoError(t, writer.UpdateFunctionResult(ctx, m.ID, true, map[string]any{"hits": 2}))
	p, err = NewBuilder(reader, nil).Build(ctx, Options{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":2}`, p.Blocks[2].Content)
}

func TestBuildResolvesUploads(t *testing.T) {
	reader, writer, uploads := newFixture(t)
	ctx := t.Context()

	uploads.Add(&store.Upload{ID: "f1", Filename: "report.pdf", ContentType: "application/pdf", Size: 1024})
	_, err := writer.AddMessage(ctx, store.MessageUser, []byte(`{"text":"see file"}`), map[string]any{
		"file_uuids": []any{"f1"},
	})
	require.NoError(t, err)

	p, err := NewBuilder(reader, uploads).Build(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())
	dev := p.Blocks[2]
	assert.Equal(t, RoleDeveloper, dev.Role)
	assert.Contains(t, dev.Content, "report.pdf")
	assert.Contains(t, dev.Content, "id=f1")
}

func TestBuildFromCheckpoint(t *testing.T) {
	reader, writer, _ := newFixture(t)
	ctx := t.Context()

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		m, err := writer.AddMessage(ctx, store.MessageUser, []byte(`{"text":"`+text+`"}`), nil)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	require.NoError(t, writer.SetContext(ctx, session.CheckpointKey, ids[1]))

	p, err := NewBuilder(reader, nil).Build(ctx, Options{FromCheckpoint: true})
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())
	assert.Equal(t, "three", p.Blocks[1].Content)
}
