package hub

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/funcs"
	"github.com/parleyhq/parley/pkg/prompt"
	"github.com/parleyhq/parley/pkg/relay"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/token"
	"github.com/parleyhq/parley/pkg/tools"
	"github.com/parleyhq/parley/pkg/upstream"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type staticAgent struct{}

func (staticAgent) ID() string           { return "chat" }
func (staticAgent) DefaultModel() string { return "m-small" }
func (staticAgent) Step(context.Context, string, *prompt.Prompt, agent.StepOptions) (*agent.StepResult, error) {
	return &agent.StepResult{Result: "ok"}, nil
}

func relayDeps(sealer *token.Sealer) relay.Deps {
	cfg := config.Default()
	cfg.ShutdownGrace = 50 * time.Millisecond
	cfg.CancelTimeout = 500 * time.Millisecond
	return relay.Deps{
		Log:     slog.New(slog.DiscardHandler),
		Config:  cfg,
		Stores:  store.NewMemory().Stores(),
		Uploads: store.NewMemoryUploads(),
		Auth:    &session.OwnerAuthorizer{},
		Agents:  agent.NewMapRegistry(staticAgent{}),
		Tools:   tools.NewMapRegistry(),
		Funcs:   funcs.NewMapRegistry(),
		Sealer:  sealer,
	}
}

func relayMsg(frameType, sessionID string) relay.Msg {
	return relay.Msg{Topic: frameTopics[frameType], SessionID: sessionID}
}

func newManager(t *testing.T) (*Manager, *token.Sealer) {
	t.Helper()
	sealer, err := token.NewSealer(testKey)
	require.NoError(t, err)

	deps := relayDeps(sealer)
	m := NewManager(t.Context(), slog.New(slog.DiscardHandler), deps)
	return m, sealer
}

func dial(t *testing.T, m *Manager, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.HubFor(userID).Attach(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) upstream.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e upstream.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func waitEvent(t *testing.T, conn *websocket.Conn, typ upstream.EmitType) upstream.Event {
	t.Helper()
	for {
		e := readEvent(t, conn)
		if e.Type == typ {
			return e
		}
	}
}

func TestOpenFrameSpawnsSession(t *testing.T) {
	m, sealer := newManager(t)
	conn := dial(t, m, "u1")

	packed, err := sealer.Pack(token.StartToken{Agent: "chat"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: "open", StartToken: packed, RequestID: "r1"}))

	e := waitEvent(t, conn, upstream.EmitSessionOpened)
	assert.Equal(t, "r1", e.Payload["request_id"])
	assert.NotEmpty(t, e.Payload["session_id"])
}

func TestMalformedFrame(t *testing.T) {
	m, _ := newManager(t)
	conn := dial(t, m, "u1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e := waitEvent(t, conn, upstream.EmitError)
	assert.Equal(t, upstream.CodeInvalidJSON, e.Payload["code"])
}

func TestUnknownFrameType(t *testing.T) {
	m, _ := newManager(t)
	conn := dial(t, m, "u1")

	require.NoError(t, conn.WriteJSON(Frame{Type: "teleport", RequestID: "r9"}))
	e := waitEvent(t, conn, upstream.EmitError)
	assert.Equal(t, upstream.CodeInvalidJSON, e.Payload["code"])
	assert.Equal(t, "r9", e.Payload["request_id"])
}

func TestEventsFanOutToAllClients(t *testing.T) {
	m, sealer := newManager(t)
	first := dial(t, m, "u1")
	second := dial(t, m, "u1")

	packed, err := sealer.Pack(token.StartToken{Agent: "chat"})
	require.NoError(t, err)
	require.NoError(t, first.WriteJSON(Frame{Type: "open", StartToken: packed}))

	a := waitEvent(t, first, upstream.EmitSessionOpened)
	b := waitEvent(t, second, upstream.EmitSessionOpened)
	assert.Equal(t, a.Payload["session_id"], b.Payload["session_id"])
}

func TestUsersAreIsolated(t *testing.T) {
	m, sealer := newManager(t)
	mine := dial(t, m, "u1")
	theirs := dial(t, m, "u2")

	packed, err := sealer.Pack(token.StartToken{Agent: "chat"})
	require.NoError(t, err)
	require.NoError(t, mine.WriteJSON(Frame{Type: "open", StartToken: packed}))
	waitEvent(t, mine, upstream.EmitSessionOpened)

	require.NoError(t, theirs.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var e upstream.Event
	err = theirs.ReadJSON(&e)
	require.Error(t, err, "other users must not see the event")
}

func TestRelayRespawnsAfterExit(t *testing.T) {
	m, sealer := newManager(t)
	conn := dial(t, m, "u1")

	packed, err := sealer.Pack(token.StartToken{Agent: "chat"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: "open", StartToken: packed}))
	e := waitEvent(t, conn, upstream.EmitSessionOpened)
	sid := e.Payload["session_id"].(string)

	// Force the relay down, then keep talking: the manager restarts it.
	require.NoError(t, m.Dispatch("u1", relayMsg("shutdown", "")))
	r := m.users["u1"].relay
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit after shutdown")
	}

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", SessionID: sid, Data: map[string]any{"text": "hi"}}))
	waitEvent(t, conn, upstream.EmitReceived)
}
