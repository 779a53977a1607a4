// Package httpapi exposes the read and delete surface of the engine over
// HTTP, plus the websocket upgrade into the per-user hub. Live traffic never
// flows through HTTP; sessions are driven over the websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/hub"
	"github.com/parleyhq/parley/pkg/store"
)

// Server is the HTTP surface.
type Server struct {
	e        *echo.Echo
	log      *slog.Logger
	stores   store.Store
	manager  *hub.Manager
	verifier *Verifier
	upgrader websocket.Upgrader
}

// New wires the routes. The manager provides per-user hubs for /ws.
func New(log *slog.Logger, cfg config.Config, stores store.Store, manager *hub.Manager) (*Server, error) {
	verifier, err := NewVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORS())
	e.Use(middleware.Recover())

	s := &Server{
		e:        e,
		log:      log,
		stores:   stores,
		manager:  manager,
		verifier: verifier,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	e.GET("/api/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api", s.authMiddleware)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.GET("/artifacts/:id", s.getArtifact)
	api.GET("/artifacts/:id/content", s.getArtifactContent)
	api.DELETE("/artifacts/:id", s.deleteArtifact)

	e.GET("/ws", s.serveWS, s.authMiddleware)

	return s, nil
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Serve runs the server on ln until it fails or the context is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := http.Server{Handler: s.e}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		s.log.Error("http server failed", "error", err)
		return err
	}
	return nil
}

type sessionSummary struct {
	ID              string         `json:"id"`
	Title           string         `json:"title,omitempty"`
	Status          string         `json:"status"`
	Kind            string         `json:"kind,omitempty"`
	StartDate       time.Time      `json:"start_date"`
	LastMessageDate time.Time      `json:"last_message_date"`
	PublicMeta      map[string]any `json:"public_meta,omitempty"`
}

func summarize(sess *store.Session) sessionSummary {
	return sessionSummary{
		ID:              sess.ID,
		Title:           sess.Title,
		Status:          string(sess.Status),
		Kind:            sess.Kind,
		StartDate:       sess.StartDate,
		LastMessageDate: sess.LastMessageDate,
		PublicMeta:      sess.PublicMeta,
	}
}

func (s *Server) listSessions(c echo.Context) error {
	limit := intParam(c, "limit", 50)
	offset := intParam(c, "offset", 0)

	sessions, err := s.stores.Sessions.ListByUser(c.Request().Context(), callerID(c), limit, offset)
	if err != nil {
		return storeError(err)
	}
	out := make([]sessionSummary, len(sessions))
	for i, sess := range sessions {
		out[i] = summarize(sess)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summarize(sess))
}

func (s *Server) deleteSession(c echo.Context) error {
	sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	if err := s.stores.Sessions.Delete(c.Request().Context(), sess.ID); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type messageEntry struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Date     time.Time       `json:"date"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

type messagePage struct {
	Messages   []messageEntry `json:"messages"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (s *Server) listMessages(c echo.Context) error {
	sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}

	dir := store.DirectionBefore
	if c.QueryParam("direction") == string(store.DirectionAfter) {
		dir = store.DirectionAfter
	}
	limit := intParam(c, "limit", 100)

	page, err := s.stores.Messages.ListBySession(c.Request().Context(), sess.ID, limit, c.QueryParam("cursor"), dir)
	if err != nil {
		return storeError(err)
	}

	out := messagePage{
		Messages:   make([]messageEntry, len(page.Messages)),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}
	for i, m := range page.Messages {
		out.Messages[i] = messageEntry{
			ID:       m.ID,
			Type:     string(m.Type),
			Date:     m.Date,
			Data:     json.RawMessage(m.Data),
			Metadata: m.Metadata,
		}
	}
	return c.JSON(http.StatusOK, out)
}

type artifactEntry struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s *Server) getArtifact(c echo.Context) error {
	art, err := s.ownedArtifact(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, artifactEntry{
		ID:        art.ID,
		SessionID: art.SessionID,
		Kind:      string(art.Kind),
		Title:     art.Title,
		Meta:      art.Meta,
		CreatedAt: art.CreatedAt,
		UpdatedAt: art.UpdatedAt,
	})
}

func (s *Server) getArtifactContent(c echo.Context) error {
	art, err := s.ownedArtifact(c)
	if err != nil {
		return err
	}
	content, err := s.stores.Artifacts.GetContent(c.Request().Context(), art.ID)
	if err != nil {
		return storeError(err)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, content)
}

func (s *Server) deleteArtifact(c echo.Context) error {
	art, err := s.ownedArtifact(c)
	if err != nil {
		return err
	}
	if err := s.stores.Artifacts.Delete(c.Request().Context(), art.ID); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) serveWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	s.manager.HubFor(callerID(c)).Attach(c.Request().Context(), conn)
	return nil
}

// ownedSession loads the target session and enforces ownership. A foreign
// session reads as 404 so ids cannot be probed.
func (s *Server) ownedSession(c echo.Context) (*store.Session, error) {
	sess, err := s.stores.Sessions.GetForUser(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return nil, storeError(err)
	}
	return sess, nil
}

func (s *Server) ownedArtifact(c echo.Context) (*store.Artifact, error) {
	art, err := s.stores.Artifacts.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, storeError(err)
	}
	if art.UserID != callerID(c) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}
	return art, nil
}

func storeError(err error) error {
	switch {
	case store.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrBackendUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func intParam(c echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
