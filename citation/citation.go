// Package citation finds citation records appended to the agent state during
// a run.
//
// Two history shapes are recognized, both an array of entries carrying a
// "citations" array:
//
//	{"qa_history": [{"question": "...", "answer": "...", "citations": [...]}]}
//	{"ask_history": [{"question": "...", "response": "...", "citations": [...]}]}
//
// The array may sit at the top level of the state or one level down inside
// an object value (for example {"rag": {"qa_history": [...]}}). qa_history
// wins over ask_history wherever each is found.
package citation

import (
	"encoding/json"
	"sort"

	"github.com/hupe1980/agentrun/core"
)

// History keys in precedence order.
const (
	KeyQAHistory  = "qa_history"
	KeyAskHistory = "ask_history"
)

var historyKeys = []string{KeyQAHistory, KeyAskHistory}

// ExtractNew returns the citations of the history entries appended between
// previous and current, in order. Entries are compared by index only. A
// shorter current history, an unknown shape or malformed records yield no
// citations.
func ExtractNew(previous, current map[string]any) []core.CitationRef {
	key, cur, ok := findHistory(current)
	if !ok {
		return nil
	}
	prev, _ := historyAt(previous, key)
	if len(cur) <= len(prev) {
		return nil
	}

	var refs []core.CitationRef
	for _, entry := range cur[len(prev):] {
		refs = append(refs, entryCitations(entry)...)
	}
	return refs
}

// Shape returns the history key recognized in state, or "".
func Shape(state map[string]any) string {
	key, _, ok := findHistory(state)
	if !ok {
		return ""
	}
	return key.name
}

type location struct {
	parent string // "" for top level
	name   string
}

func findHistory(state map[string]any) (location, []any, bool) {
	for _, name := range historyKeys {
		if h, ok := state[name].([]any); ok {
			return location{name: name}, h, true
		}
		for _, parent := range sortedKeys(state) {
			inner, ok := state[parent].(map[string]any)
			if !ok {
				continue
			}
			if h, ok := inner[name].([]any); ok {
				return location{parent: parent, name: name}, h, true
			}
		}
	}
	return location{}, nil, false
}

func historyAt(state map[string]any, loc location) ([]any, bool) {
	if loc.parent == "" {
		h, ok := state[loc.name].([]any)
		return h, ok
	}
	inner, ok := state[loc.parent].(map[string]any)
	if !ok {
		return nil, false
	}
	h, ok := inner[loc.name].([]any)
	return h, ok
}

func entryCitations(entry any) []core.CitationRef {
	m, ok := entry.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["citations"].([]any)
	if !ok {
		return nil
	}
	refs := make([]core.CitationRef, 0, len(raw))
	for _, c := range raw {
		if ref, ok := decodeRef(c); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func decodeRef(v any) (core.CitationRef, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return core.CitationRef{}, false
	}
	if _, ok := m["chunk_id"].(string); !ok {
		return core.CitationRef{}, false
	}
	b, err := json.Marshal(m)
	if err != nil {
		return core.CitationRef{}, false
	}
	var ref core.CitationRef
	if err := json.Unmarshal(b, &ref); err != nil {
		return core.CitationRef{}, false
	}
	return ref, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
