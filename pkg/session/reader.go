package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/pkg/store"
)

// CheckpointKey is the primary-context key holding the id of the message the
// current checkpoint is anchored at.
const CheckpointKey = "current_checkpoint_id"

// Reader is a cached, read-only view of one session. It holds the session
// row and the parsed primary-context mapping; Reset discards both after the
// writer mutates state the reader depends on.
type Reader struct {
	stores store.Store
	auth   Authorizer
	actor  Actor

	sessionID string

	mu      sync.Mutex
	sess    *store.Session
	primary map[string]any
}

// OpenReader authenticates the actor against the session and returns a
// reader with a warm cache.
func OpenReader(ctx context.Context, stores store.Store, auth Authorizer, actor Actor, sessionID string) (*Reader, error) {
	r := &Reader{stores: stores, auth: auth, actor: actor, sessionID: sessionID}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) refresh(ctx context.Context) error {
	sess, err := r.stores.Sessions.Get(ctx, r.sessionID)
	if err != nil {
		return fmt.Errorf("opening session %s: %w", r.sessionID, err)
	}
	if err := r.auth.CanRead(ctx, r.actor, sess); err != nil {
		return err
	}

	primary := map[string]any{}
	if sess.PrimaryContextID != "" {
		c, err := r.stores.Contexts.Get(ctx, sess.PrimaryContextID)
		switch {
		case err == nil:
			primary = c.Data
		case isNotFound(err):
			// A missing primary context row reads as empty.
		default:
			return fmt.Errorf("loading primary context: %w", err)
		}
	}

	r.mu.Lock()
	r.sess = sess
	r.primary = primary
	r.mu.Unlock()
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// SessionID returns the session this reader is bound to.
func (r *Reader) SessionID() string { return r.sessionID }

// State returns a detached snapshot of the cached session row. The maps are
// copied, so mutating the snapshot never touches the cache.
func (r *Reader) State() *store.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.sess
	cp.Config = cloneMap(r.sess.Config)
	cp.Meta = cloneMap(r.sess.Meta)
	cp.PublicMeta = cloneMap(r.sess.PublicMeta)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// ContextValue returns one key from the cached primary-context mapping.
func (r *Reader) ContextValue(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.primary[key]
	return v, ok
}

// ContextMap returns a copy of the cached primary-context mapping.
func (r *Reader) ContextMap() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]any, len(r.primary))
	for k, v := range r.primary {
		cp[k] = v
	}
	return cp
}

// Reset forces a re-fetch of the session row and primary context. Call it
// after writer mutations the cached view depends on.
func (r *Reader) Reset(ctx context.Context) error {
	return r.refresh(ctx)
}

// Messages starts a message query.
func (r *Reader) Messages() *MessagesQuery {
	return &MessagesQuery{reader: r}
}

// Artifacts starts an artifact query.
func (r *Reader) Artifacts() *ArtifactsQuery {
	return &ArtifactsQuery{reader: r}
}

// Contexts starts a session-context (memory) query.
func (r *Reader) Contexts() *ContextsQuery {
	return &ContextsQuery{reader: r}
}

// MessagesQuery is a fluent builder over the session's message stream.
type MessagesQuery struct {
	reader *Reader

	msgType        store.MessageType
	last           int
	offset         int
	after          string
	fromCheckpoint bool
	limit          int
}

// Type keeps only messages of type t.
func (q *MessagesQuery) Type(t store.MessageType) *MessagesQuery {
	q.msgType = t
	return q
}

// Last keeps only the newest n messages.
func (q *MessagesQuery) Last(n int) *MessagesQuery {
	q.last = n
	return q
}

// Offset skips the first k matches.
func (q *MessagesQuery) Offset(k int) *MessagesQuery {
	q.offset = k
	return q
}

// After keeps only messages with id strictly greater than messageID.
func (q *MessagesQuery) After(messageID string) *MessagesQuery {
	q.after = messageID
	return q
}

// FromCheckpoint anchors the query strictly after the current checkpoint
// message. Without a checkpoint the full stream is returned.
func (q *MessagesQuery) FromCheckpoint() *MessagesQuery {
	q.fromCheckpoint = true
	return q
}

// Limit caps the number of returned messages.
func (q *MessagesQuery) Limit(n int) *MessagesQuery {
	q.limit = n
	return q
}

func (q *MessagesQuery) resolveAfter() string {
	if q.after != "" {
		return q.after
	}
	if q.fromCheckpoint {
		if v, ok := q.reader.ContextValue(CheckpointKey); ok {
			if id, ok := v.(string); ok {
				return id
			}
		}
	}
	return ""
}

// All runs the query and returns matches in ascending id order.
func (q *MessagesQuery) All(ctx context.Context) ([]*store.Message, error) {
	limit := q.limit
	if limit <= 0 {
		limit = store.DefaultScanLimit
	}

	var msgs []*store.Message
	var err error

	switch {
	case q.resolveAfter() != "":
		msgs, err = q.reader.stores.Messages.ListAfter(ctx, q.reader.sessionID, q.resolveAfter(), limit)
	case q.last > 0 && q.msgType == "":
		var page *store.MessagePage
		page, err = q.reader.stores.Messages.ListBySession(ctx, q.reader.sessionID, q.last, "", store.DirectionBefore)
		if page != nil {
			msgs = page.Messages
		}
	case q.msgType != "":
		msgs, err = q.reader.stores.Messages.ListByType(ctx, q.reader.sessionID, q.msgType, limit)
	default:
		var page *store.MessagePage
		page, err = q.reader.stores.Messages.ListBySession(ctx, q.reader.sessionID, limit, "", store.DirectionAfter)
		if page != nil {
			msgs = page.Messages
		}
	}
	if err != nil {
		return nil, err
	}

	if q.msgType != "" {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Type == q.msgType {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if q.offset > 0 {
		if q.offset >= len(msgs) {
			return nil, nil
		}
		msgs = msgs[q.offset:]
	}
	if q.last > 0 && len(msgs) > q.last {
		msgs = msgs[len(msgs)-q.last:]
	}
	return msgs, nil
}

// One returns the newest match or store.ErrNotFound.
func (q *MessagesQuery) One(ctx context.Context) (*store.Message, error) {
	if q.msgType == "" && q.after == "" && !q.fromCheckpoint {
		return q.reader.stores.Messages.GetLatest(ctx, q.reader.sessionID)
	}
	msgs, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message: %w", store.ErrNotFound)
	}
	return msgs[len(msgs)-1], nil
}

// Count returns the number of matches.
func (q *MessagesQuery) Count(ctx context.Context) (int, error) {
	if q.after == "" && !q.fromCheckpoint {
		if q.msgType != "" {
			return q.reader.stores.Messages.CountByType(ctx, q.reader.sessionID, q.msgType)
		}
		return q.reader.stores.Messages.CountBySession(ctx, q.reader.sessionID)
	}
	msgs, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// ArtifactsQuery is a fluent builder over the session's artifacts.
type ArtifactsQuery struct {
	reader *Reader
	kind   store.ArtifactKind
}

// Kind keeps only artifacts of kind k.
func (q *ArtifactsQuery) Kind(k store.ArtifactKind) *ArtifactsQuery {
	q.kind = k
	return q
}

// All returns the matches in ascending id order.
func (q *ArtifactsQuery) All(ctx context.Context) ([]*store.Artifact, error) {
	arts, err := q.reader.stores.Artifacts.ListBySession(ctx, q.reader.sessionID)
	if err != nil {
		return nil, err
	}
	if q.kind == "" {
		return arts, nil
	}
	kept := arts[:0]
	for _, a := range arts {
		if a.Kind == q.kind {
			kept = append(kept, a)
		}
	}
	return kept, nil
}

// One returns the newest match or store.ErrNotFound.
func (q *ArtifactsQuery) One(ctx context.Context) (*store.Artifact, error) {
	arts, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(arts) == 0 {
		return nil, fmt.Errorf("artifact: %w", store.ErrNotFound)
	}
	return arts[len(arts)-1], nil
}

// Count returns the number of matches.
func (q *ArtifactsQuery) Count(ctx context.Context) (int, error) {
	if q.kind == "" {
		return q.reader.stores.Artifacts.CountBySession(ctx, q.reader.sessionID)
	}
	arts, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(arts), nil
}

// ContextsQuery is a fluent builder over the session's memory rows.
type ContextsQuery struct {
	reader  *Reader
	memType string
}

// Type keeps only rows of the given type.
func (q *ContextsQuery) Type(t string) *ContextsQuery {
	q.memType = t
	return q
}

// All returns the matches in chronological order.
func (q *ContextsQuery) All(ctx context.Context) ([]*store.SessionContext, error) {
	if q.memType != "" {
		return q.reader.stores.SessionContexts.ListByType(ctx, q.reader.sessionID, q.memType)
	}
	return q.reader.stores.SessionContexts.ListBySession(ctx, q.reader.sessionID)
}

// Count returns the number of matches.
func (q *ContextsQuery) Count(ctx context.Context) (int, error) {
	rows, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
