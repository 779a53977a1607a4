// Package relay implements the per-user supervisor. A relay owns the live
// session actors of one user: it spawns them on open, multiplexes client
// traffic, recovers crashed sessions, enforces the per-user session limit
// and garbage-collects inactive actors.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/parleyhq/parley/pkg/actor"
	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/funcs"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/token"
	"github.com/parleyhq/parley/pkg/tools"
	"github.com/parleyhq/parley/pkg/upstream"
)

// Inbox topics.
const (
	TopicOpen     = "open"
	TopicClose    = "close"
	TopicMessage  = "message"
	TopicCommand  = "command"
	TopicShutdown = "shutdown"
	TopicResume   = "resume"
)

// Msg is one client delivery to the relay.
type Msg struct {
	Topic      string
	SessionID  string
	StartToken string
	Data       map[string]any
	RequestID  string
}

// Deps bundles the collaborators shared by every session the relay spawns.
type Deps struct {
	Log     *slog.Logger
	Config  config.Config
	Stores  store.Store
	Uploads store.UploadResolver
	Auth    session.Authorizer
	Agents  agent.Registry
	Tools   tools.Registry
	Funcs   funcs.Registry
	Sealer  *token.Sealer
	// Sink receives every session and relay event for the user's hub.
	Sink upstream.Sink
}

type liveSession struct {
	actor        *actor.Actor
	cancel       context.CancelFunc
	createdAt    time.Time
	lastActivity time.Time
}

type termination struct {
	sessionID string
	err       error
}

// Relay supervises one user's sessions.
type Relay struct {
	log    *slog.Logger
	cfg    config.Config
	deps   Deps
	userID string

	inbox chan Msg
	terms chan termination

	active       map[string]*liveSession
	shuttingDown bool
	shutdownC    <-chan time.Time
	shutdownStop func() bool

	done chan struct{}
}

// New builds a relay for one user.
func New(deps Deps, userID string) *Relay {
	return &Relay{
		log:    deps.Log.With("user_id", userID),
		cfg:    deps.Config,
		deps:   deps,
		userID: userID,
		inbox:  make(chan Msg, 64),
		terms:  make(chan termination, 16),
		active: map[string]*liveSession{},
		done:   make(chan struct{}),
	}
}

// Send delivers a client message. It fails once the relay exited.
func (r *Relay) Send(m Msg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return errors.New("relay exited")
	}
}

// Done is closed when the relay exits.
func (r *Relay) Done() <-chan struct{} { return r.done }

// ActiveSessions returns the live session ids, most recent activity first.
func (r *Relay) activeIDs() []string {
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.active[ids[i]].lastActivity.After(r.active[ids[j]].lastActivity)
	})
	return ids
}

// Run serves the relay until the context is cancelled or the last session
// terminates without a pending shutdown.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)

	gc := time.NewTicker(r.cfg.GCInterval)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return

		case m := <-r.inbox:
			r.handle(ctx, m)

		case t := <-r.terms:
			r.handleTermination(ctx, t)
			if len(r.active) == 0 && !r.shuttingDown {
				return
			}

		case <-gc.C:
			r.collect()

		case <-r.shutdownC:
			r.log.Info("shutdown grace expired")
			r.shutdownC = nil
			r.shuttingDown = false
			r.stopAll()
			if len(r.active) == 0 {
				return
			}
		}
	}
}

func (r *Relay) handle(ctx context.Context, m Msg) {
	switch m.Topic {
	case TopicOpen:
		r.handleOpen(ctx, m)
	case TopicClose:
		r.handleClose(m)
	case TopicMessage:
		r.routeToSession(ctx, m, actor.TopicMessage)
	case TopicCommand:
		r.routeToSession(ctx, m, actor.TopicCommand)
	case TopicShutdown:
		r.armShutdown()
	case TopicResume:
		r.cancelShutdown()
	default:
		r.log.Warn("unknown relay topic", "topic", m.Topic)
	}
}

func (r *Relay) handleOpen(ctx context.Context, m Msg) {
	r.cancelShutdown()

	sid, err := r.ensureSession(ctx, m)
	if err != nil {
		return
	}
	if ls, ok := r.active[sid]; ok {
		ls.lastActivity = time.Now()
	}
	r.emitRelay(sid, upstream.EmitSessionOpened, map[string]any{
		"request_id":         m.RequestID,
		"active_session_ids": r.activeIDs(),
	})
}

// ensureSession resolves (or creates, or recovers) the target session and
// guarantees a live actor for it. Errors have already been reported to the
// sink when this returns.
func (r *Relay) ensureSession(ctx context.Context, m Msg) (string, error) {
	sid := m.SessionID

	if sid != "" {
		if _, live := r.active[sid]; live {
			return sid, nil
		}
		// Known row without a live actor: crash recovery.
		sess, err := r.deps.Stores.Sessions.GetForUser(ctx, sid, r.userID)
		switch {
		case err == nil:
			return sid, r.recover(ctx, sess)
		case errors.Is(err, store.ErrNotFound):
			r.emitError(sid, upstream.CodeSessionNotFound, "unknown session")
			return "", err
		default:
			r.emitError(sid, upstream.CodeStorageError, "cannot load session")
			return "", err
		}
	}

	if m.StartToken == "" {
		r.emitError("", upstream.CodeTokenInvalid, "missing start token")
		return "", errors.New("missing start token")
	}
	return r.create(ctx, m)
}

// recover resets a persisted-but-dead session to idle and spawns an actor.
func (r *Relay) recover(ctx context.Context, sess *store.Session) error {
	if sess.Status != store.StatusIdle {
		idle := store.StatusIdle
		if err := r.deps.Stores.Sessions.UpdateMeta(ctx, sess.ID, store.SessionPatch{Status: &idle}); err != nil {
			r.emitError(sess.ID, upstream.CodeStorageError, "cannot recover session")
			return err
		}
		r.emitUpdate(sess.ID, map[string]any{"status": store.StatusIdle})
	}
	return r.spawn(ctx, sess.ID, actor.Options{})
}

// create mints a new session row from a start token and spawns its actor.
func (r *Relay) create(ctx context.Context, m Msg) (string, error) {
	st, err := r.deps.Sealer.Unpack(m.StartToken)
	if err != nil {
		r.emitError("", upstream.CodeTokenInvalid, err.Error())
		return "", err
	}

	contextData := map[string]any{}
	for k, v := range st.Context {
		contextData[k] = v
	}
	if extra, ok := m.Data["context"].(map[string]any); ok {
		for k, v := range extra {
			contextData[k] = v
		}
	}

	primary := &store.Context{ID: store.NewID(), Type: "primary", Data: contextData}
	if err := r.deps.Stores.Contexts.Create(ctx, primary); err != nil {
		r.emitError("", upstream.CodeStorageError, "cannot create session context")
		return "", err
	}

	sess := &store.Session{
		ID:               store.NewID(),
		UserID:           r.userID,
		PrimaryContextID: primary.ID,
		Status:           store.StatusIdle,
		Kind:             st.Kind,
		Config:           map[string]any{"agent": st.Agent, "model": st.Model},
		StartDate:        time.Now().UTC(),
	}
	if err := r.deps.Stores.Sessions.Create(ctx, sess); err != nil {
		r.emitError("", upstream.CodeStorageError, "cannot create session")
		return "", err
	}

	opts := actor.Options{
		Created:    true,
		Agent:      st.Agent,
		Model:      st.Model,
		InitFunc:   st.StartFunc,
		InitParams: st.StartParams,
	}
	if err := r.spawn(ctx, sess.ID, opts); err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (r *Relay) spawn(ctx context.Context, sessionID string, opts actor.Options) error {
	r.evictForRoom()

	deps := actor.Deps{
		Log:       r.deps.Log,
		Config:    r.cfg,
		Stores:    r.deps.Stores,
		Uploads:   r.deps.Uploads,
		Auth:      r.deps.Auth,
		Agents:    r.deps.Agents,
		Tools:     r.deps.Tools,
		Funcs:     r.deps.Funcs,
		Sink:      r.deps.Sink,
		Principal: session.Actor{UserID: r.userID, Scope: r.cfg.SessionSecurityScope},
	}
	act := actor.New(deps, sessionID, opts)

	actorCtx, cancel := context.WithCancel(ctx)
	go act.Run(actorCtx)

	// Fail fast when the actor cannot even open its session.
	select {
	case <-act.Done():
		cancel()
		r.emitError(sessionID, upstream.CodeSessionSpawnError, "session failed to start")
		return act.Err()
	case <-act.Ready():
	}

	now := time.Now()
	r.active[sessionID] = &liveSession{actor: act, cancel: cancel, createdAt: now, lastActivity: now}
	go func() {
		<-act.Done()
		select {
		case r.terms <- termination{sessionID: sessionID, err: act.Err()}:
		case <-r.done:
		}
	}()
	return nil
}

// evictForRoom enforces max_sessions_per_user by evicting the session with
// the oldest last_activity until there is room for one more.
func (r *Relay) evictForRoom() {
	limit := r.cfg.MaxSessionsPerUser
	if limit <= 0 {
		return
	}
	for len(r.active) >= limit {
		oldest := ""
		for id, ls := range r.active {
			if oldest == "" || ls.lastActivity.Before(r.active[oldest].lastActivity) {
				oldest = id
			}
		}
		r.log.Info("evicting session", "session_id", oldest, "active", len(r.active))
		r.stopSession(oldest)
	}
}

// stopSession asks the actor to finish, falling back to a hard cancel after
// the cancel timeout. The termination handler does the bookkeeping; here we
// only drop it from the active set so the slot frees immediately.
func (r *Relay) stopSession(sessionID string) {
	ls, ok := r.active[sessionID]
	if !ok {
		return
	}
	delete(r.active, sessionID)
	r.emitRelay(sessionID, upstream.EmitSessionClosed, nil)

	if err := ls.actor.Send(actor.Msg{Topic: actor.TopicFinishAndExit}); err != nil {
		ls.cancel()
		return
	}
	timeout := r.cfg.CancelTimeout
	go func() {
		select {
		case <-ls.actor.Done():
		case <-time.After(timeout):
			ls.cancel()
		}
	}()
}

func (r *Relay) handleClose(m Msg) {
	// The last session stays alive for reconnects.
	if len(r.active) <= 1 {
		return
	}
	sid := m.SessionID
	if _, ok := r.active[sid]; !ok {
		r.emitError(sid, upstream.CodeInvalidSessionID, "session not active")
		return
	}
	r.stopSession(sid)
}

// routeToSession resolves the target session and forwards the payload.
func (r *Relay) routeToSession(ctx context.Context, m Msg, topic string) {
	sid := m.SessionID
	if sid == "" {
		ids := r.activeIDs()
		if len(ids) > 0 {
			sid = ids[0]
		}
	}
	if sid == "" && m.StartToken == "" {
		r.emitError("", upstream.CodeSessionNotFound, "no active session")
		return
	}

	m.SessionID = sid
	resolved, err := r.ensureSession(ctx, m)
	if err != nil {
		return
	}
	ls := r.active[resolved]
	if ls == nil {
		r.emitError(resolved, upstream.CodeSessionSpawnError, "session not available")
		return
	}
	ls.lastActivity = time.Now()

	if err := ls.actor.Send(actor.Msg{Topic: topic, Data: m.Data, RequestID: m.RequestID}); err != nil {
		r.emitError(resolved, upstream.CodeSessionNotFound, "session no longer accepts messages")
	}
}

func (r *Relay) handleTermination(ctx context.Context, t termination) {
	_, wasActive := r.active[t.sessionID]
	delete(r.active, t.sessionID)

	status := store.StatusIdle
	if t.err != nil {
		status = store.StatusFailed
	}
	if err := r.deps.Stores.Sessions.UpdateMeta(ctx, t.sessionID, store.SessionPatch{Status: &status}); err != nil {
		r.log.Error("cannot persist terminal status", "session_id", t.sessionID, "error", err)
	} else {
		r.emitUpdate(t.sessionID, map[string]any{"status": status})
	}
	if wasActive {
		r.emitRelay(t.sessionID, upstream.EmitSessionClosed, nil)
	}
	r.log.Info("session terminated", "session_id", t.sessionID, "status", status, "active", len(r.active))
}

func (r *Relay) armShutdown() {
	r.shuttingDown = true
	r.cancelTimer()
	timer := time.NewTimer(r.cfg.ShutdownGrace)
	r.shutdownC = timer.C
	r.shutdownStop = timer.Stop
}

func (r *Relay) cancelShutdown() {
	if !r.shuttingDown {
		return
	}
	r.shuttingDown = false
	r.cancelTimer()
}

func (r *Relay) cancelTimer() {
	if r.shutdownStop != nil {
		r.shutdownStop()
		r.shutdownStop = nil
		r.shutdownC = nil
	}
}

// collect drops sessions idle past the inactivity window.
func (r *Relay) collect() {
	cutoff := time.Now().Add(-r.cfg.SessionInactivity)
	for id, ls := range r.active {
		if ls.lastActivity.Before(cutoff) {
			r.log.Info("collecting inactive session", "session_id", id)
			r.stopSession(id)
		}
	}
}

func (r *Relay) stopAll() {
	for id := range r.active {
		r.stopSession(id)
	}
}

func (r *Relay) emitRelay(sessionID string, t upstream.EmitType, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = sessionID
	r.deps.Sink.Send(upstream.Event{Topic: upstream.SessionTopic(sessionID), Type: t, Payload: payload})
}

func (r *Relay) emitUpdate(sessionID string, fields map[string]any) {
	upstream.NewEmitter(sessionID, r.deps.Sink).Update(fields)
}

func (r *Relay) emitError(sessionID, code, message string) {
	payload := map[string]any{"code": code, "message": message}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	r.deps.Sink.Send(upstream.Event{Topic: upstream.SessionTopic(sessionID), Type: upstream.EmitError, Payload: payload})
}
