package tools

import "github.com/parleyhq/parley/pkg/store"

// ControlKey is the envelope key tools use to request side effects from the
// session. The envelope is stripped from the persisted result.
const ControlKey = "_control"

// ArtifactDirective creates or updates one artifact.
type ArtifactDirective struct {
	ArtifactID string
	Title      string
	Content    string
	Kind       store.ArtifactKind
	Meta       map[string]any
}

// ContextDirective mutates the primary context or the public metadata.
type ContextDirective struct {
	Set          map[string]any
	Delete       []string
	PublicSet    map[string]any
	PublicDelete []string
}

// Empty reports whether the directive carries no mutations.
func (d *ContextDirective) Empty() bool {
	return len(d.Set) == 0 && len(d.Delete) == 0 && len(d.PublicSet) == 0 && len(d.PublicDelete) == 0
}

// MemoryAdd is one memory row to append.
type MemoryAdd struct {
	Type string
	Text string
}

// MemoryDirective mutates the session's memory rows.
type MemoryDirective struct {
	Add        []MemoryAdd
	Delete     []string
	ClearTypes []string
}

// Empty reports whether the directive carries no mutations.
func (d *MemoryDirective) Empty() bool {
	return len(d.Add) == 0 && len(d.Delete) == 0 && len(d.ClearTypes) == 0
}

// ConfigDirective switches the session's agent and/or model.
type ConfigDirective struct {
	Agent string
	Model string
}

// Directives is everything one tool result asked the session to do.
type Directives struct {
	Artifacts []ArtifactDirective
	Context   *ContextDirective
	Memory    *MemoryDirective
	Config    *ConfigDirective
}

// Empty reports whether no directive was present.
func (d *Directives) Empty() bool {
	return len(d.Artifacts) == 0 && d.Context == nil && d.Memory == nil && d.Config == nil
}

// ParseControl splits the control envelope out of a tool result. The
// returned map is the result with the envelope removed; the input map is not
// modified.
func ParseControl(result map[string]any) (*Directives, map[string]any) {
	d := &Directives{}
	if result == nil {
		return d, nil
	}

	raw, ok := result[ControlKey].(map[string]any)
	if !ok {
		return d, result
	}

	cleaned := make(map[string]any, len(result)-1)
	for k, v := range result {
		if k != ControlKey {
			cleaned[k] = v
		}
	}

	if arts, ok := raw["artifacts"].([]any); ok {
		for _, item := range arts {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			a := ArtifactDirective{
				ArtifactID: str(m["artifact_id"]),
				Title:      str(m["title"]),
				Content:    str(m["content"]),
				Kind:       store.ArtifactKind(str(m["type"])),
			}
			if a.Kind == "" {
				a.Kind = store.ArtifactInline
			}
			if meta, ok := m["meta"].(map[string]any); ok {
				a.Meta = meta
			}
			d.Artifacts = append(d.Artifacts, a)
		}
	}

	if c, ok := raw["context"].(map[string]any); ok {
		cd := &ContextDirective{
			Set:          mapOf(c["set"]),
			Delete:       strs(c["delete"]),
			PublicSet:    mapOf(c["public_set"]),
			PublicDelete: strs(c["public_delete"]),
		}
		if !cd.Empty() {
			d.Context = cd
		}
	}

	if m, ok := raw["memory"].(map[string]any); ok {
		md := &MemoryDirective{
			Delete:     strs(m["delete"]),
			ClearTypes: strs(m["clear_types"]),
		}
		if adds, ok := m["add"].([]any); ok {
			for _, item := range adds {
				am, ok := item.(map[string]any)
				if !ok {
					continue
				}
				md.Add = append(md.Add, MemoryAdd{Type: str(am["type"]), Text: str(am["text"])})
			}
		}
		if !md.Empty() {
			d.Memory = md
		}
	}

	if c, ok := raw["config"].(map[string]any); ok {
		cfg := &ConfigDirective{Agent: str(c["agent"]), Model: str(c["model"])}
		if cfg.Agent != "" || cfg.Model != "" {
			d.Config = cfg
		}
	}

	return d, cleaned
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func strs(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
