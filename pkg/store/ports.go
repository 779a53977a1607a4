package store

import "context"

// DefaultScanLimit bounds unpaged listings so a runaway session cannot pull
// the whole table into memory.
const DefaultScanLimit = 2500

// ListDirection selects which side of a cursor a message page covers.
type ListDirection string

const (
	// DirectionBefore returns messages older than the cursor.
	DirectionBefore ListDirection = "before"
	// DirectionAfter returns messages newer than the cursor.
	DirectionAfter ListDirection = "after"
)

// MessagePage is one page of messages in ascending id order. HasMore is
// detected by fetching limit+1 rows and trimming.
type MessagePage struct {
	Messages   []*Message
	HasMore    bool
	NextCursor string
}

// SessionStore persists session rows.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// GetForUser fetches a session only if it belongs to userID.
	GetForUser(ctx context.Context, id, userID string) (*Session, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Session, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	// UpdateMeta applies a partial update; omitted fields stay untouched.
	UpdateMeta(ctx context.Context, id string, patch SessionPatch) error
	// Delete removes the session and cascades over messages, artifacts,
	// session contexts and the primary context in one transaction.
	Delete(ctx context.Context, id string) error
}

// MessageStore persists the append-only message stream of each session.
type MessageStore interface {
	// Create inserts the message and stamps sessions.last_message_date in
	// the same transaction.
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error
	ListBySession(ctx context.Context, sessionID string, limit int, cursor string, dir ListDirection) (*MessagePage, error)
	// ListAfter returns messages with id strictly greater than afterID.
	ListAfter(ctx context.Context, sessionID, afterID string, limit int) ([]*Message, error)
	ListByType(ctx context.Context, sessionID string, t MessageType, limit int) ([]*Message, error)
	GetLatest(ctx context.Context, sessionID string) (*Message, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	CountByType(ctx context.Context, sessionID string, t MessageType) (int, error)
	Delete(ctx context.Context, id string) error
}

// ContextStore persists opaque KV context rows.
type ContextStore interface {
	Create(ctx context.Context, c *Context) error
	Get(ctx context.Context, id string) (*Context, error)
	GetByType(ctx context.Context, typ string) ([]*Context, error)
	Update(ctx context.Context, c *Context) error
	Delete(ctx context.Context, id string) error
}

// SessionContextStore persists typed memory rows scoped to a session.
// Listings order by id ascending, which is chronological for v7 ids.
type SessionContextStore interface {
	Create(ctx context.Context, sc *SessionContext) error
	ListBySession(ctx context.Context, sessionID string) ([]*SessionContext, error)
	ListByType(ctx context.Context, sessionID, typ string) ([]*SessionContext, error)
	Delete(ctx context.Context, id string) error
	DeleteByType(ctx context.Context, sessionID, typ string) error
}

// ArtifactStore persists artifacts.
type ArtifactStore interface {
	Create(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, id string) (*Artifact, error)
	Update(ctx context.Context, a *Artifact) error
	UpdateContent(ctx context.Context, id string, content []byte) error
	GetContent(ctx context.Context, id string) ([]byte, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Artifact, error)
	ListByKind(ctx context.Context, userID string, kind ArtifactKind) ([]*Artifact, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, id string) error
}

// UploadResolver resolves upload ids referenced from message metadata.
// Implemented by the upload store collaborator.
type UploadResolver interface {
	Resolve(ctx context.Context, ids []string) ([]*Upload, error)
}

// Store bundles the five ports. All mutations for a given session flow
// through its writer, which is owned by the session actor.
type Store struct {
	Sessions        SessionStore
	Messages        MessageStore
	Contexts        ContextStore
	SessionContexts SessionContextStore
	Artifacts       ArtifactStore
}
