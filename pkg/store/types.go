// Package store defines the persistence entities and the five storage ports
// the orchestration engine runs against, together with a SQLite
// implementation and an in-memory implementation for tests and embedding.
package store

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session row.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusError     SessionStatus = "error"
	StatusFailed    SessionStatus = "failed"
	StatusCompleted SessionStatus = "completed"
)

// Session is a durable conversation owned by one user. Exactly one live
// actor may mutate a session at a time; readers are best-effort.
type Session struct {
	ID               string
	UserID           string
	PrimaryContextID string
	Status           SessionStatus
	Title            string
	Kind             string
	Config           map[string]any
	Meta             map[string]any
	PublicMeta       map[string]any
	StartDate        time.Time
	LastMessageDate  time.Time
}

// SessionPatch is a partial update to a session row. Nil fields are left
// untouched.
type SessionPatch struct {
	Status          *SessionStatus
	Title           *string
	Kind            *string
	Config          map[string]any
	Meta            map[string]any
	PublicMeta      map[string]any
	LastMessageDate *time.Time
}

// MessageType classifies a persisted message.
type MessageType string

const (
	MessageSystem          MessageType = "system"
	MessageUser            MessageType = "user"
	MessageAssistant       MessageType = "assistant"
	MessageDeveloper       MessageType = "developer"
	MessageFunction        MessageType = "function"
	MessagePrivateFunction MessageType = "private_function"
	MessageArtifact        MessageType = "artifact"
	MessageDelegation      MessageType = "delegation"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageSystem, MessageUser, MessageAssistant, MessageDeveloper,
		MessageFunction, MessagePrivateFunction, MessageArtifact, MessageDelegation:
		return true
	}
	return false
}

// Message is one append-only conversation entry. IDs are time-ordered so
// lexicographic order equals insertion order within a session.
type Message struct {
	ID        string
	SessionID string
	Date      time.Time
	Type      MessageType
	Data      []byte
	Metadata  map[string]any
}

// Context is an opaque KV mapping stored as a single row. Every session owns
// exactly one primary context; read-modify-write happens through the writer.
type Context struct {
	ID   string
	Type string
	Data map[string]any
}

// SessionContext is a typed long-lived memory row attached to a session.
type SessionContext struct {
	ID        string
	SessionID string
	Type      string
	Text      string
	Time      time.Time
}

// ArtifactKind describes how artifact content is interpreted.
type ArtifactKind string

const (
	ArtifactInline  ArtifactKind = "inline"
	ArtifactViewRef ArtifactKind = "view_ref"
)

// Artifact is a user-visible attachment produced by the agent or a tool.
type Artifact struct {
	ID        string
	SessionID string // optional; empty for user-scoped artifacts
	UserID    string
	Kind      ArtifactKind
	Title     string
	Content   []byte
	Meta      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Upload describes a user-uploaded file referenced by message metadata.
type Upload struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
}

// NewID returns a time-ordered unique identifier. UUIDv7 embeds a millisecond
// timestamp, so string order matches creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than propagating an error through every call site.
		return uuid.NewString()
	}
	return id.String()
}
