package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/pkg/relay"
)

// Manager owns one hub and, lazily, one relay per user. A relay exits when
// its last session terminates; the manager respawns it on the next frame.
type Manager struct {
	// ctx is the service lifetime; relays run on it, never on a
	// request-scoped context.
	ctx  context.Context
	log  *slog.Logger
	deps relay.Deps

	mu    sync.Mutex
	users map[string]*userEntry
}

type userEntry struct {
	hub   *Hub
	relay *relay.Relay
}

// NewManager builds a manager bound to the service context. deps.Sink is
// ignored; each user's hub becomes the sink of that user's relay.
func NewManager(ctx context.Context, log *slog.Logger, deps relay.Deps) *Manager {
	return &Manager{
		ctx:   ctx,
		log:   log,
		deps:  deps,
		users: map[string]*userEntry{},
	}
}

// HubFor returns the user's hub, creating it on first use. The hub outlives
// relay restarts, so reconnecting clients keep their event stream.
func (m *Manager) HubFor(userID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryFor(userID).hub
}

func (m *Manager) entryFor(userID string) *userEntry {
	entry, ok := m.users[userID]
	if !ok {
		entry = &userEntry{hub: newHub(m.log, userID)}
		entry.hub.forward = func(msg relay.Msg) error {
			return m.Dispatch(userID, msg)
		}
		m.users[userID] = entry
	}
	return entry
}

// Dispatch routes one message to the user's relay, spawning it if needed.
func (m *Manager) Dispatch(userID string, msg relay.Msg) error {
	r := m.relayFor(userID)
	if err := r.Send(msg); err == nil {
		return nil
	}
	// The relay exited between lookup and send; one respawn attempt.
	r = m.relayFor(userID)
	return r.Send(msg)
}

func (m *Manager) relayFor(userID string) *relay.Relay {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entryFor(userID)
	if entry.relay != nil {
		select {
		case <-entry.relay.Done():
		default:
			return entry.relay
		}
	}

	deps := m.deps
	deps.Sink = entry.hub
	r := relay.New(deps, userID)
	go r.Run(m.ctx)
	entry.relay = r
	m.log.Info("relay started", "user_id", userID)
	return r
}

// Shutdown asks every live relay to wind down and waits for them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	relays := make([]*relay.Relay, 0, len(m.users))
	for _, entry := range m.users {
		if entry.relay != nil {
			relays = append(relays, entry.relay)
		}
	}
	m.mu.Unlock()

	for _, r := range relays {
		_ = r.Send(relay.Msg{Topic: relay.TopicShutdown})
	}
	for _, r := range relays {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return
		}
	}
}
