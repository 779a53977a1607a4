package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/funcs"
	"github.com/parleyhq/parley/pkg/hub"
	"github.com/parleyhq/parley/pkg/relay"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/token"
	"github.com/parleyhq/parley/pkg/tools"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type apiFixture struct {
	srv      *Server
	stores   store.Store
	verifier *Verifier
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = "test-secret"

	sealer, err := token.NewSealer(testKey)
	require.NoError(t, err)

	stores := store.NewMemory().Stores()
	manager := hub.NewManager(t.Context(), slog.New(slog.DiscardHandler), relay.Deps{
		Log:     slog.New(slog.DiscardHandler),
		Config:  cfg,
		Stores:  stores,
		Uploads: store.NewMemoryUploads(),
		Auth:    &session.OwnerAuthorizer{},
		Agents:  agent.NewMapRegistry(),
		Tools:   tools.NewMapRegistry(),
		Funcs:   funcs.NewMapRegistry(),
		Sealer:  sealer,
	})

	srv, err := New(slog.New(slog.DiscardHandler), cfg, stores, manager)
	require.NoError(t, err)
	return &apiFixture{srv: srv, stores: stores, verifier: srv.verifier}
}

func (f *apiFixture) seedSession(t *testing.T, userID string) *store.Session {
	t.Helper()
	ctx := context.Background()
	primary := &store.Context{ID: store.NewID(), Type: "primary", Data: map[string]any{}}
	require.NoError(t, f.stores.Contexts.Create(ctx, primary))
	sess := &store.Session{
		ID:               store.NewID(),
		UserID:           userID,
		PrimaryContextID: primary.ID,
		Status:           store.StatusIdle,
		Title:            "seeded",
		Config:           map[string]any{"agent": "chat"},
		StartDate:        time.Now().UTC(),
	}
	require.NoError(t, f.stores.Sessions.Create(ctx, sess))
	return sess
}

func (f *apiFixture) request(t *testing.T, method, target, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if userID != "" {
		tok, err := f.verifier.Issue(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPingNeedsNoAuth(t *testing.T) {
	f := newAPI(t)
	rec := f.request(t, http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := newAPI(t)
	rec := f.request(t, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	f := newAPI(t)
	tok, err := f.verifier.Issue("u1", -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListSessionsOnlyMine(t *testing.T) {
	f := newAPI(t)
	mine := f.seedSession(t, "u1")
	f.seedSession(t, "u2")

	rec := f.request(t, http.MethodGet, "/api/sessions", "u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []sessionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, mine.ID, out[0].ID)
	assert.Equal(t, "seeded", out[0].Title)
}

func TestGetForeignSessionIs404(t *testing.T) {
	f := newAPI(t)
	theirs := f.seedSession(t, "u2")

	rec := f.request(t, http.MethodGet, "/api/sessions/"+theirs.ID, "u1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListMessagesPaginates(t *testing.T) {
	f := newAPI(t)
	sess := f.seedSession(t, "u1")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.stores.Messages.Create(ctx, &store.Message{
			ID:        store.NewID(),
			SessionID: sess.ID,
			Date:      time.Now().UTC(),
			Type:      store.MessageUser,
			Data:      []byte(`{"text":"m"}`),
		}))
	}

	rec := f.request(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages?limit=3", "u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var page messagePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Messages, 3)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)
}

func TestDeleteSessionCascades(t *testing.T) {
	f := newAPI(t)
	sess := f.seedSession(t, "u1")

	rec := f.request(t, http.MethodDelete, "/api/sessions/"+sess.ID, "u1")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.stores.Sessions.Get(context.Background(), sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestArtifactOwnership(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	art := &store.Artifact{
		ID:      store.NewID(),
		UserID:  "u2",
		Kind:    store.ArtifactInline,
		Title:   "notes",
		Content: []byte("body"),
	}
	require.NoError(t, f.stores.Artifacts.Create(ctx, art))

	rec := f.request(t, http.MethodGet, "/api/artifacts/"+art.ID, "u1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/artifacts/"+art.ID, "u2")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/artifacts/"+art.ID+"/content", "u2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body", rec.Body.String())
}
