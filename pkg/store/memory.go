package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process implementation of all five ports. It backs unit
// tests and embedded callers that do not want a database file.
type Memory struct {
	mu              sync.RWMutex
	sessions        map[string]*Session
	messages        map[string]*Message
	contexts        map[string]*Context
	sessionContexts map[string]*SessionContext
	artifacts       map[string]*Artifact
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:        make(map[string]*Session),
		messages:        make(map[string]*Message),
		contexts:        make(map[string]*Context),
		sessionContexts: make(map[string]*SessionContext),
		artifacts:       make(map[string]*Artifact),
	}
}

// Stores returns the port bundle backed by this instance.
func (m *Memory) Stores() Store {
	return Store{
		Sessions:        &memSessions{m},
		Messages:        &memMessages{m},
		Contexts:        &memContexts{m},
		SessionContexts: &memSessionContexts{m},
		Artifacts:       &memArtifacts{m},
	}
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Config = cloneMap(s.Config)
	c.Meta = cloneMap(s.Meta)
	c.PublicMeta = cloneMap(s.PublicMeta)
	return &c
}

func cloneMessage(msg *Message) *Message {
	c := *msg
	c.Data = append([]byte(nil), msg.Data...)
	c.Metadata = cloneMap(msg.Metadata)
	return &c
}

func cloneArtifact(a *Artifact) *Artifact {
	c := *a
	c.Content = append([]byte(nil), a.Content...)
	c.Meta = cloneMap(a.Meta)
	return &c
}

// --- sessions ---

type memSessions struct{ m *Memory }

func (p *memSessions) Create(_ context.Context, s *Session) error {
	if s.ID == "" {
		return Invalid("session_id", "must not be empty")
	}
	if s.UserID == "" {
		return Invalid("user_id", "must not be empty")
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if _, ok := p.m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrConflict)
	}
	if s.Status == "" {
		s.Status = StatusIdle
	}
	if s.StartDate.IsZero() {
		s.StartDate = time.Now()
	}
	if s.LastMessageDate.IsZero() {
		s.LastMessageDate = s.StartDate
	}
	p.m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (p *memSessions) Get(_ context.Context, id string) (*Session, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	s, ok := p.m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(s), nil
}

func (p *memSessions) GetForUser(ctx context.Context, id, userID string) (*Session, error) {
	s, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (p *memSessions) ListByUser(_ context.Context, userID string, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	var all []*Session
	for _, s := range p.m.sessions {
		if s.UserID == userID {
			all = append(all, cloneSession(s))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastMessageDate.After(all[j].LastMessageDate) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (p *memSessions) CountByUser(_ context.Context, userID string) (int, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	n := 0
	for _, s := range p.m.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (p *memSessions) UpdateMeta(_ context.Context, id string, patch SessionPatch) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	s, ok := p.m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.Title != nil {
		s.Title = *patch.Title
	}
	if patch.Kind != nil {
		s.Kind = *patch.Kind
	}
	if patch.Config != nil {
		s.Config = cloneMap(patch.Config)
	}
	if patch.Meta != nil {
		s.Meta = cloneMap(patch.Meta)
	}
	if patch.PublicMeta != nil {
		s.PublicMeta = cloneMap(patch.PublicMeta)
	}
	if patch.LastMessageDate != nil {
		s.LastMessageDate = *patch.LastMessageDate
	}
	return nil
}

func (p *memSessions) Delete(_ context.Context, id string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	s, ok := p.m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	for mid, msg := range p.m.messages {
		if msg.SessionID == id {
			delete(p.m.messages, mid)
		}
	}
	for scid, sc := range p.m.sessionContexts {
		if sc.SessionID == id {
			delete(p.m.sessionContexts, scid)
		}
	}
	for aid, a := range p.m.artifacts {
		if a.SessionID == id {
			delete(p.m.artifacts, aid)
		}
	}
	delete(p.m.contexts, s.PrimaryContextID)
	delete(p.m.sessions, id)
	return nil
}

// --- messages ---

type memMessages struct{ m *Memory }

func (p *memMessages) Create(_ context.Context, msg *Message) error {
	if msg.SessionID == "" {
		return Invalid("session_id", "must not be empty")
	}
	if !ValidMessageType(msg.Type) {
		return Invalid("type", fmt.Sprintf("unknown message type %q", msg.Type))
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	sess, ok := p.m.sessions[msg.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", msg.SessionID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	if _, dup := p.m.messages[msg.ID]; dup {
		return fmt.Errorf("message %s: %w", msg.ID, ErrConflict)
	}
	p.m.messages[msg.ID] = cloneMessage(msg)
	sess.LastMessageDate = msg.Date
	return nil
}

func (p *memMessages) Get(_ context.Context, id string) (*Message, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	msg, ok := p.m.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return cloneMessage(msg), nil
}

func (p *memMessages) UpdateMetadata(_ context.Context, id string, metadata map[string]any) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	msg, ok := p.m.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	msg.Metadata = cloneMap(metadata)
	return nil
}

func (p *memMessages) bySession(sessionID string) []*Message {
	var out []*Message
	for _, msg := range p.m.messages {
		if msg.SessionID == sessionID {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *memMessages) ListBySession(_ context.Context, sessionID string, limit int, cursor string, dir ListDirection) (*MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	p.m.mu.RLock()
	all := p.bySession(sessionID)
	p.m.mu.RUnlock()

	page := &MessagePage{}
	switch dir {
	case DirectionAfter:
		var kept []*Message
		for _, msg := range all {
			if cursor == "" || msg.ID > cursor {
				kept = append(kept, msg)
			}
		}
		if len(kept) > limit {
			page.HasMore = true
			kept = kept[:limit]
		}
		if len(kept) > 0 {
			page.NextCursor = kept[len(kept)-1].ID
		}
		page.Messages = kept
	case DirectionBefore, "":
		var kept []*Message
		for _, msg := range all {
			if cursor == "" || msg.ID < cursor {
				kept = append(kept, msg)
			}
		}
		if len(kept) > limit {
			page.HasMore = true
			kept = kept[len(kept)-limit:]
		}
		if len(kept) > 0 {
			page.NextCursor = kept[0].ID
		}
		page.Messages = kept
	default:
		return nil, Invalid("direction", fmt.Sprintf("unknown direction %q", dir))
	}
	return page, nil
}

func (p *memMessages) ListAfter(_ context.Context, sessionID, afterID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	var out []*Message
	for _, msg := range p.bySession(sessionID) {
		if msg.ID > afterID {
			out = append(out, msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (p *memMessages) ListByType(_ context.Context, sessionID string, t MessageType, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	var out []*Message
	for _, msg := range p.bySession(sessionID) {
		if msg.Type == t {
			out = append(out, msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (p *memMessages) GetLatest(_ context.Context, sessionID string) (*Message, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	all := p.bySession(sessionID)
	if len(all) == 0 {
		return nil, fmt.Errorf("latest message: %w", ErrNotFound)
	}
	return all[len(all)-1], nil
}

func (p *memMessages) CountBySession(_ context.Context, sessionID string) (int, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	return len(p.bySession(sessionID)), nil
}

func (p *memMessages) CountByType(_ context.Context, sessionID string, t MessageType) (int, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	n := 0
	for _, msg := range p.m.messages {
		if msg.SessionID == sessionID && msg.Type == t {
			n++
		}
	}
	return n, nil
}

func (p *memMessages) Delete(_ context.Context, id string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if _, ok := p.m.messages[id]; !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	delete(p.m.messages, id)
	return nil
}

// --- contexts ---

type memContexts struct{ m *Memory }

func (p *memContexts) Create(_ context.Context, c *Context) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if c.ID == "" {
		c.ID = NewID()
	}
	if _, ok := p.m.contexts[c.ID]; ok {
		return fmt.Errorf("context %s: %w", c.ID, ErrConflict)
	}
	p.m.contexts[c.ID] = &Context{ID: c.ID, Type: c.Type, Data: cloneMap(c.Data)}
	return nil
}

func (p *memContexts) Get(_ context.Context, id string) (*Context, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	c, ok := p.m.contexts[id]
	if !ok {
		return nil, fmt.Errorf("context %s: %w", id, ErrNotFound)
	}
	return &Context{ID: c.ID, Type: c.Type, Data: cloneMap(c.Data)}, nil
}

func (p *memContexts) GetByType(_ context.Context, typ string) ([]*Context, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	var out []*Context
	for _, c := range p.m.contexts {
		if c.Type == typ {
			out = append(out, &Context{ID: c.ID, Type: c.Type, Data: cloneMap(c.Data)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *memContexts) Update(_ context.Context, c *Context) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if _, ok := p.m.contexts[c.ID]; !ok {
		return fmt.Errorf("context %s: %w", c.ID, ErrNotFound)
	}
	p.m.contexts[c.ID] = &Context{ID: c.ID, Type: c.Type, Data: cloneMap(c.Data)}
	return nil
}

func (p *memContexts) Delete(_ context.Context, id string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if _, ok := p.m.contexts[id]; !ok {
		return fmt.Errorf("context %s: %w", id, ErrNotFound)
	}
	delete(p.m.contexts, id)
	return nil
}

// --- session contexts ---

type memSessionContexts struct{ m *Memory }

func (p *memSessionContexts) Create(_ context.Context, sc *SessionContext) error {
	if sc.SessionID == "" {
		return Invalid("session_id", "must not be empty")
	}
	if sc.Type == "" {
		return Invalid("type", "must not be empty")
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if sc.ID == "" {
		sc.ID = NewID()
	}
	if sc.Time.IsZero() {
		sc.Time = time.Now()
	}
	cp := *sc
	p.m.sessionContexts[sc.ID] = &cp
	return nil
}

func (p *memSessionContexts) ListBySession(_ context.Context, sessionID string) ([]*SessionContext, error) {
	return p.list(func(sc *SessionContext) bool { return sc.SessionID == sessionID }), nil
}

func (p *memSessionContexts) ListByType(_ context.Context, sessionID, typ string) ([]*SessionContext, error) {
	return p.list(func(sc *SessionContext) bool { return sc.SessionID == sessionID && sc.Type == typ }), nil
}

func (p *memSessionContexts) list(keep func(*SessionContext) bool) []*SessionContext {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	var out []*SessionContext
	for _, sc := range p.m.sessionContexts {
		if keep(sc) {
			cp := *sc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *memSessionContexts) Delete(_ context.Context, id string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if _, ok := p.m.sessionContexts[id]; !ok {
		return fmt.Errorf("session context %s: %w", id, ErrNotFound)
	}
	delete(p.m.sessionContexts, id)
	return nil
}

func (p *memSessionContexts) DeleteByType(_ context.Context, sessionID, typ string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	for id, sc := range p.m.sessionContexts {
		if sc.SessionID == sessionID && sc.Type == typ {
			delete(p.m.sessionContexts, id)
		}
	}
	return nil
}

// --- artifacts ---

type memArtifacts struct{ m *Memory }

func (p *memArtifacts) Create(_ context.Context, a *Artifact) error {
	if a.UserID == "" {
		return Invalid("user_id", "must not be empty")
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Kind == "" {
		a.Kind = ArtifactInline
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	if _, ok := p.m.artifacts[a.ID]; ok {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrConflict)
	}
	p.m.artifacts[a.ID] = cloneArtifact(a)
	return nil
}

func (p *memArtifacts) Get(_ context.Context, id string) (*Artifact, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	a, ok := p.m.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return cloneArtifact(a), nil
}

func (p *memArtifacts) Update(_ context.Context, a *Artifact) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	cur, ok := p.m.artifacts[a.ID]
	if !ok {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrNotFound)
	}
	cur.Kind = a.Kind
	cur.Title = a.Title
	cur.Meta = cloneMap(a.Meta)
	cur.UpdatedAt = time.Now()
	return nil
}

func (p *memArtifacts) UpdateContent(_ context.Context, id string, content []byte) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	a, ok := p.m.artifacts[id]
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	a.Content = append([]byte(nil), content...)
	a.UpdatedAt = time.Now()
	return nil
}

func (p *memArtifacts) GetContent(_ context.Context, id string) ([]byte, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	a, ok := p.m.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return append([]byte(nil), a.Content...), nil
}

func (p *memArtifacts) ListBySession(_ context.Context, sessionID string) ([]*Artifact, error) {
	return p.list(func(a *Artifact) bool { return a.SessionID == sessionID }), nil
}

func (p *memArtifacts) ListByKind(_ context.Context, userID string, kind ArtifactKind) ([]*Artifact, error) {
	return p.list(func(a *Artifact) bool { return a.UserID == userID && a.Kind == kind }), nil
}

func (p *memArtifacts) list(keep func(*Artifact) bool) []*Artifact {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	var out []*Artifact
	for _, a := range p.m.artifacts {
		if keep(a) {
			out = append(out, cloneArtifact(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *memArtifacts) CountBySession(_ context.Context, sessionID string) (int, error) {
	return len(p.list(func(a *Artifact) bool { return a.SessionID == sessionID })), nil
}

func (p *memArtifacts) CountByUser(_ context.Context, userID string) (int, error) {
	return len(p.list(func(a *Artifact) bool { return a.UserID == userID })), nil
}

func (p *memArtifacts) Delete(_ context.Context, id string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if _, ok := p.m.artifacts[id]; !ok {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	delete(p.m.artifacts, id)
	return nil
}

// MemoryUploads is a trivial UploadResolver for tests and embedding.
type MemoryUploads struct {
	mu      sync.RWMutex
	uploads map[string]*Upload
}

// NewMemoryUploads returns an empty upload resolver.
func NewMemoryUploads() *MemoryUploads {
	return &MemoryUploads{uploads: make(map[string]*Upload)}
}

// Add registers an upload.
func (u *MemoryUploads) Add(up *Upload) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads[up.ID] = up
}

// Resolve returns the known uploads among ids, skipping unknown ones.
func (u *MemoryUploads) Resolve(_ context.Context, ids []string) ([]*Upload, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var out []*Upload
	for _, id := range ids {
		if up, ok := u.uploads[id]; ok {
			cp := *up
			out = append(out, &cp)
		}
	}
	return out, nil
}
