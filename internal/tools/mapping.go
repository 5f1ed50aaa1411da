// Package tools translates tool calls between the client protocol and the
// execution engine, and runs them with a hard deadline.
package tools

import (
	"sort"
	"strings"
	"sync"
)

// InputTransform rewrites an external input payload into the internal shape.
type InputTransform func(input map[string]interface{}) map[string]interface{}

// OutputTransform rewrites the canonical external envelope for one tool.
type OutputTransform func(envelope map[string]interface{}) map[string]interface{}

// Mapping binds one external tool name to one internal tool name.
type Mapping struct {
	TransformInput  InputTransform
	TransformOutput OutputTransform
	ExternalName    string
	InternalName    string
}

// Table is a bidirectional index of mappings. Both directions are updated
// under the same lock so readers never see one without the other.
type Table struct {
	byExternal map[string]*Mapping
	byInternal map[string]*Mapping
	mu         sync.RWMutex
}

// NewTable creates a table holding the given mappings.
func NewTable(mappings ...Mapping) *Table {
	t := &Table{
		byExternal: make(map[string]*Mapping),
		byInternal: make(map[string]*Mapping),
	}
	for _, m := range mappings {
		t.AddMapping(m)
	}
	return t
}

// AddMapping registers m, replacing any entry with the same external name
// and any entry that claimed the same internal name.
func (t *Table) AddMapping(m Mapping) {
	entry := m
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byExternal[m.ExternalName]; ok {
		delete(t.byInternal, old.InternalName)
	}
	if old, ok := t.byInternal[m.InternalName]; ok {
		delete(t.byExternal, old.ExternalName)
	}
	t.byExternal[m.ExternalName] = &entry
	t.byInternal[m.InternalName] = &entry
}

// RemoveMapping drops the mapping for externalName. Removing an unknown
// name is a no-op.
func (t *Table) RemoveMapping(externalName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.byExternal[externalName]
	if !ok {
		return
	}
	delete(t.byExternal, externalName)
	if cur, ok := t.byInternal[old.InternalName]; ok && cur == old {
		delete(t.byInternal, old.InternalName)
	}
}

// ByExternal looks up a mapping by external name.
func (t *Table) ByExternal(name string) (*Mapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byExternal[name]
	return m, ok
}

// ByInternal looks up a mapping by exact internal name.
func (t *Table) ByInternal(name string) (*Mapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byInternal[name]
	return m, ok
}

// ExternalNames returns the registered external names, sorted.
func (t *Table) ExternalNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.byExternal))
	for name := range t.byExternal {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered mappings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byExternal)
}

// DefaultMappings returns the built-in client-to-engine tool vocabulary.
func DefaultMappings() []Mapping {
	return []Mapping{
		{
			ExternalName:   "read_file",
			InternalName:   "Read",
			TransformInput: renameKeys(map[string]string{"path": "file_path"}),
		},
		{
			ExternalName:   "write_file",
			InternalName:   "Write",
			TransformInput: renameKeys(map[string]string{"path": "file_path"}),
		},
		{
			ExternalName: "edit_file",
			InternalName: "Edit",
			TransformInput: renameKeys(map[string]string{
				"path":     "file_path",
				"old_text": "old_string",
				"new_text": "new_string",
			}),
		},
		{
			ExternalName:    "list_directory",
			InternalName:    "LS",
			TransformOutput: splitContent("entries"),
		},
		{
			ExternalName:    "glob",
			InternalName:    "Glob",
			TransformOutput: splitContent("matches"),
		},
		{
			ExternalName:    "search_files",
			InternalName:    "Grep",
			TransformOutput: splitContent("matches"),
		},
		{
			ExternalName: "run_command",
			InternalName: "Bash",
		},
	}
}

// renameKeys returns an InputTransform that renames keys and keeps the rest.
func renameKeys(renames map[string]string) InputTransform {
	return func(input map[string]interface{}) map[string]interface{} {
		out := make(map[string]interface{}, len(input))
		for k, v := range input {
			if to, ok := renames[k]; ok {
				// An explicit internal key wins over a renamed one.
				if _, exists := input[to]; exists {
					continue
				}
				out[to] = v
				continue
			}
			out[k] = v
		}
		return out
	}
}

// splitContent returns an OutputTransform adding the non-empty content lines
// under key. Error envelopes are left untouched.
func splitContent(key string) OutputTransform {
	return func(envelope map[string]interface{}) map[string]interface{} {
		if isErr, _ := envelope["isError"].(bool); isErr {
			return envelope
		}
		content, _ := envelope["content"].(string)
		lines := make([]string, 0)
		for _, line := range strings.Split(content, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		envelope[key] = lines
		return envelope
	}
}
