package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
)

// Builder assembles prompts from a session's persisted state.
type Builder struct {
	reader  *session.Reader
	uploads store.UploadResolver
	now     func() time.Time
}

// NewBuilder builds a prompt builder. uploads may be nil when file
// references are not in play.
func NewBuilder(reader *session.Reader, uploads store.UploadResolver) *Builder {
	return &Builder{reader: reader, uploads: uploads, now: time.Now}
}

// Options tunes one build.
type Options struct {
	// FromCheckpoint anchors the message scan strictly after the current
	// checkpoint.
	FromCheckpoint bool
	// Limit caps the number of scanned messages. Zero uses the store
	// default.
	Limit int
}

// Build projects the session into a prompt: a dated system block, one
// collated memory block when memories exist, then the message stream in
// order with function calls paired to their results.
func (b *Builder) Build(ctx context.Context, opts Options) (*Prompt, error) {
	p := &Prompt{}

	p.Append(Block{
		Role:    RoleSystem,
		Content: fmt.Sprintf("Current date: %s", b.now().UTC().Format("2006-01-02")),
	})

	contexts, err := b.reader.Contexts().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading session contexts: %w", err)
	}
	if len(contexts) > 0 {
		p.Append(Block{
			Role:        RoleSystem,
			Content:     collateContexts(contexts),
			CacheMarker: true,
		})
	}

	query := b.reader.Messages()
	if opts.FromCheckpoint {
		query = query.FromCheckpoint()
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	msgs, err := query.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	for _, m := range msgs {
		if err := b.appendMessage(ctx, p, m); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (b *Builder) appendMessage(ctx context.Context, p *Prompt, m *store.Message) error {
	marker := false
	if m.Metadata != nil {
		if v, ok := m.Metadata["checkpoint"].(bool); ok {
			marker = v
		}
	}

	switch m.Type {
	case store.MessageSystem, store.MessageUser, store.MessageAssistant, store.MessageDeveloper:
		p.Append(Block{Role: Role(m.Type), Content: messageText(m), CacheMarker: marker})
		if m.Type == store.MessageUser {
			if err := b.appendUploads(ctx, p, m); err != nil {
				return err
			}
		}

	case store.MessageFunction, store.MessagePrivateFunction, store.MessageDelegation:
		b.appendFunctionPair(p, m, marker)

	case store.MessageArtifact:
		p.Append(Block{Role: RoleDeveloper, Content: messageText(m), CacheMarker: marker})
	}
	return nil
}

func (b *Builder) appendFunctionPair(p *Prompt, m *store.Message, marker bool) {
	name := metaString(m, "function")
	callID := metaString(m, "call_id")
	if callID == "" {
		callID = m.ID
	}

	p.Append(Block{
		Role:        RoleFunctionCall,
		Name:        name,
		CallID:      callID,
		Content:     string(m.Data),
		CacheMarker: marker,
	})

	result := PendingResult
	if metaString(m, "status") != session.CallPending {
		if raw, ok := m.Metadata["result"]; ok {
			if encoded, err := json.Marshal(raw); err == nil {
				result = string(encoded)
			}
		}
	}
	p.Append(Block{
		Role:    RoleFunctionResult,
		Name:    name,
		CallID:  callID,
		Content: result,
	})
}

func (b *Builder) appendUploads(ctx context.Context, p *Prompt, m *store.Message) error {
	if b.uploads == nil || m.Metadata == nil {
		return nil
	}
	raw, ok := m.Metadata["file_uuids"].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	uploads, err := b.uploads.Resolve(ctx, ids)
	if err != nil {
		return fmt.Errorf("resolving uploads: %w", err)
	}
	if len(uploads) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("Attached files:\n")
	for _, u := range uploads {
		fmt.Fprintf(&sb, "- %s (%s, %d bytes, id=%s)\n", u.Filename, u.ContentType, u.Size, u.ID)
	}
	p.Append(Block{Role: RoleDeveloper, Content: sb.String()})
	return nil
}

// collateContexts groups memory rows by type, types sorted for stability,
// rows in chronological order within each type.
func collateContexts(contexts []*store.SessionContext) string {
	byType := map[string][]*store.SessionContext{}
	for _, c := range contexts {
		byType[c.Type] = append(byType[c.Type], c)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var sb strings.Builder
	sb.WriteString("Session memory:\n")
	for _, t := range types {
		fmt.Fprintf(&sb, "\n## %s\n", t)
		for _, c := range byType[t] {
			fmt.Fprintf(&sb, "- %s\n", c.Text)
		}
	}
	return sb.String()
}

func messageText(m *store.Message) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Data, &body); err == nil && body.Text != "" {
		return body.Text
	}
	return string(m.Data)
}

func metaString(m *store.Message, key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}
