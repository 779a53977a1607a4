package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyhq/parley/pkg/store"
)

// Function call lifecycle statuses stamped into message metadata.
const (
	CallPending = "pending"
	CallSuccess = "success"
	CallError   = "error"
)

// Writer is the single authoritative mutator of one session. It is owned by
// the session's actor; concurrent writers for the same session are a bug in
// the caller, not something the writer defends against.
type Writer struct {
	stores store.Store
	reader *Reader

	sessionID string
	agent     string
	model     string
}

// OpenWriter authenticates the actor for write access and returns a writer
// sharing the reader's cache. The reader is reset after mutations that
// invalidate it.
func OpenWriter(ctx context.Context, stores store.Store, auth Authorizer, actor Actor, reader *Reader) (*Writer, error) {
	if err := auth.CanWrite(ctx, actor, reader.State()); err != nil {
		return nil, err
	}
	return &Writer{stores: stores, reader: reader, sessionID: reader.SessionID()}, nil
}

// SetIdentity records the agent and model stamped onto messages that do not
// carry their own.
func (w *Writer) SetIdentity(agent, model string) {
	w.agent = agent
	w.model = model
}

// SessionID returns the session this writer is bound to.
func (w *Writer) SessionID() string { return w.sessionID }

// UpdateMeta merges fields into the session's private metadata.
func (w *Writer) UpdateMeta(ctx context.Context, fields map[string]any) error {
	meta := w.reader.State().Meta
	if meta == nil {
		meta = map[string]any{}
	}
	for k, v := range fields {
		meta[k] = v
	}
	if err := w.stores.Sessions.UpdateMeta(ctx, w.sessionID, store.SessionPatch{Meta: meta}); err != nil {
		return fmt.Errorf("updating session meta: %w", err)
	}
	return w.reader.Reset(ctx)
}

// UpdatePublicMeta merges fields into the session's public metadata.
func (w *Writer) UpdatePublicMeta(ctx context.Context, fields map[string]any) error {
	meta := w.reader.State().PublicMeta
	if meta == nil {
		meta = map[string]any{}
	}
	for k, v := range fields {
		meta[k] = v
	}
	if err := w.stores.Sessions.UpdateMeta(ctx, w.sessionID, store.SessionPatch{PublicMeta: meta}); err != nil {
		return fmt.Errorf("updating session public meta: %w", err)
	}
	return w.reader.Reset(ctx)
}

// RemovePublicMeta deletes keys from the session's public metadata.
func (w *Writer) RemovePublicMeta(ctx context.Context, keys []string) error {
	meta := w.reader.State().PublicMeta
	if meta == nil {
		return nil
	}
	for _, k := range keys {
		delete(meta, k)
	}
	if err := w.stores.Sessions.UpdateMeta(ctx, w.sessionID, store.SessionPatch{PublicMeta: meta}); err != nil {
		return fmt.Errorf("updating session public meta: %w", err)
	}
	return w.reader.Reset(ctx)
}

// UpdateConfig merges fields into the session config.
func (w *Writer) UpdateConfig(ctx context.Context, fields map[string]any) error {
	cfg := w.reader.State().Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	for k, v := range fields {
		cfg[k] = v
	}
	if err := w.stores.Sessions.UpdateMeta(ctx, w.sessionID, store.SessionPatch{Config: cfg}); err != nil {
		return fmt.Errorf("updating session config: %w", err)
	}
	return w.reader.Reset(ctx)
}

// UpdateTitle sets the session title.
func (w *Writer) UpdateTitle(ctx context.Context, title string) error {
	if err := w.stores.Sessions.UpdateMeta(ctx, w.sessionID, store.SessionPatch{Title: &title}); err != nil {
		return fmt.Errorf("updating session title: %w", err)
	}
	return w.reader.Reset(ctx)
}

// UpdateStatus transitions the session status. A non-empty errMsg is merged
// into meta under "error"; transitioning away from an error state clears it.
func (w *Writer) UpdateStatus(ctx context.Context, status store.SessionStatus, errMsg string) error {
	patch := store.SessionPatch{Status: &status}

	meta := w.reader.State().Meta
	if errMsg != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["error"] = errMsg
		patch.Meta = meta
	} else if meta != nil {
		if _, had := meta["error"]; had {
			delete(meta, "error")
			patch.Meta = meta
		}
	}

	if err := w.stores.Sessions.UpdateMeta(ctx, w.sessionID, patch); err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return w.reader.Reset(ctx)
}

// AddMessage appends a message. An id supplied via metadata["message_id"] is
// honored (and removed from the stored metadata); otherwise a fresh
// time-ordered id is generated. Agent and model are stamped when absent.
func (w *Writer) AddMessage(ctx context.Context, t store.MessageType, data []byte, metadata map[string]any) (*store.Message, error) {
	if !store.ValidMessageType(t) {
		return nil, store.Invalid("type", fmt.Sprintf("unknown message type %q", t))
	}

	id := ""
	if metadata != nil {
		if v, ok := metadata["message_id"].(string); ok && v != "" {
			id = v
			delete(metadata, "message_id")
		}
	}
	if id == "" {
		id = store.NewID()
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if w.agent != "" {
		if _, ok := metadata["agent"]; !ok {
			metadata["agent"] = w.agent
		}
	}
	if w.model != "" {
		if _, ok := metadata["model"]; !ok {
			metadata["model"] = w.model
		}
	}

	m := &store.Message{
		ID:        id,
		SessionID: w.sessionID,
		Date:      time.Now().UTC(),
		Type:      t,
		Data:      data,
		Metadata:  metadata,
	}
	if err := w.stores.Messages.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("adding %s message: %w", t, err)
	}
	return m, nil
}

// UpdateMessageMeta merges fields into a message's metadata.
func (w *Writer) UpdateMessageMeta(ctx context.Context, messageID string, fields map[string]any) error {
	m, err := w.stores.Messages.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("loading message %s: %w", messageID, err)
	}
	if m.SessionID != w.sessionID {
		return fmt.Errorf("%w: message belongs to another session", ErrForbidden)
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	for k, v := range fields {
		meta[k] = v
	}
	return w.stores.Messages.UpdateMetadata(ctx, messageID, meta)
}

// AddFunctionCall persists a pending tool invocation. The arguments become
// the message body; name, call id and status live in metadata so the result
// writer can find and finish the call.
func (w *Writer) AddFunctionCall(ctx context.Context, name, callID string, args map[string]any, private bool) (*store.Message, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s: %w", name, err)
	}
	t := store.MessageFunction
	if private {
		t = store.MessagePrivateFunction
	}
	return w.AddMessage(ctx, t, data, map[string]any{
		"function": name,
		"call_id":  callID,
		"status":   CallPending,
	})
}

// UpdateFunctionResult finishes a pending call: the result is merged into
// metadata and the status flips to success or error.
func (w *Writer) UpdateFunctionResult(ctx context.Context, messageID string, ok bool, result any) error {
	status := CallSuccess
	if !ok {
		status = CallError
	}
	return w.UpdateMessageMeta(ctx, messageID, map[string]any{
		"status": status,
		"result": result,
	})
}

// CreateArtifact persists an artifact attached to this session and records
// an artifact message in the stream.
func (w *Writer) CreateArtifact(ctx context.Context, kind store.ArtifactKind, title string, content []byte, meta map[string]any) (*store.Artifact, error) {
	now := time.Now().UTC()
	a := &store.Artifact{
		ID:        store.NewID(),
		SessionID: w.sessionID,
		UserID:    w.reader.State().UserID,
		Kind:      kind,
		Title:     title,
		Content:   content,
		Meta:      meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.stores.Artifacts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating artifact: %w", err)
	}

	body, err := json.Marshal(map[string]any{"artifact_id": a.ID, "title": title, "kind": kind})
	if err != nil {
		return nil, fmt.Errorf("encoding artifact message: %w", err)
	}
	if _, err := w.AddMessage(ctx, store.MessageArtifact, body, nil); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateArtifact patches an artifact's title, kind or meta. The artifact
// must belong to this session.
func (w *Writer) UpdateArtifact(ctx context.Context, id string, title *string, kind *store.ArtifactKind, meta map[string]any) error {
	a, err := w.ownedArtifact(ctx, id)
	if err != nil {
		return err
	}
	if title != nil {
		a.Title = *title
	}
	if kind != nil {
		a.Kind = *kind
	}
	if meta != nil {
		a.Meta = meta
	}
	a.UpdatedAt = time.Now().UTC()
	if err := w.stores.Artifacts.Update(ctx, a); err != nil {
		return fmt.Errorf("updating artifact %s: %w", id, err)
	}
	return nil
}

// UpdateArtifactContent replaces an artifact's content. The artifact must
// belong to this session.
func (w *Writer) UpdateArtifactContent(ctx context.Context, id string, content []byte) error {
	if _, err := w.ownedArtifact(ctx, id); err != nil {
		return err
	}
	if err := w.stores.Artifacts.UpdateContent(ctx, id, content); err != nil {
		return fmt.Errorf("updating artifact content %s: %w", id, err)
	}
	return nil
}

// DeleteArtifact removes an artifact belonging to this session.
func (w *Writer) DeleteArtifact(ctx context.Context, id string) error {
	if _, err := w.ownedArtifact(ctx, id); err != nil {
		return err
	}
	if err := w.stores.Artifacts.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting artifact %s: %w", id, err)
	}
	return nil
}

func (w *Writer) ownedArtifact(ctx context.Context, id string) (*store.Artifact, error) {
	a, err := w.stores.Artifacts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading artifact %s: %w", id, err)
	}
	if a.SessionID != w.sessionID {
		return nil, fmt.Errorf("%w: artifact belongs to another session", ErrForbidden)
	}
	return a, nil
}

// SetContext writes one key of the primary context via read-modify-write.
func (w *Writer) SetContext(ctx context.Context, key string, value any) error {
	return w.mutatePrimary(ctx, func(data map[string]any) {
		data[key] = value
	})
}

// DeleteContext removes one key from the primary context.
func (w *Writer) DeleteContext(ctx context.Context, key string) error {
	return w.mutatePrimary(ctx, func(data map[string]any) {
		delete(data, key)
	})
}

func (w *Writer) mutatePrimary(ctx context.Context, mutate func(map[string]any)) error {
	id := w.reader.State().PrimaryContextID
	if id == "" {
		return store.Invalid("primary_context_id", "session has no primary context")
	}

	c, err := w.stores.Contexts.Get(ctx, id)
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("loading primary context: %w", err)
		}
		c = &store.Context{ID: id, Type: "primary", Data: map[string]any{}}
		mutate(c.Data)
		if err := w.stores.Contexts.Create(ctx, c); err != nil {
			return fmt.Errorf("creating primary context: %w", err)
		}
		return w.reader.Reset(ctx)
	}

	if c.Data == nil {
		c.Data = map[string]any{}
	}
	mutate(c.Data)
	if err := w.stores.Contexts.Update(ctx, c); err != nil {
		return fmt.Errorf("updating primary context: %w", err)
	}
	return w.reader.Reset(ctx)
}

// AddSessionContext appends a typed memory row.
func (w *Writer) AddSessionContext(ctx context.Context, typ, text string) (*store.SessionContext, error) {
	sc := &store.SessionContext{
		ID:        store.NewID(),
		SessionID: w.sessionID,
		Type:      typ,
		Text:      text,
		Time:      time.Now().UTC(),
	}
	if err := w.stores.SessionContexts.Create(ctx, sc); err != nil {
		return nil, fmt.Errorf("adding session context: %w", err)
	}
	return sc, nil
}

// DeleteSessionContext removes one memory row by id.
func (w *Writer) DeleteSessionContext(ctx context.Context, id string) error {
	if err := w.stores.SessionContexts.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session context %s: %w", id, err)
	}
	return nil
}

// DeleteSessionContextsByType removes every memory row of one type.
func (w *Writer) DeleteSessionContextsByType(ctx context.Context, typ string) error {
	if err := w.stores.SessionContexts.DeleteByType(ctx, w.sessionID, typ); err != nil {
		return fmt.Errorf("deleting session contexts of type %s: %w", typ, err)
	}
	return nil
}
