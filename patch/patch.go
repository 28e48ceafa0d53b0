// Package patch applies JSON-Patch style operations to an immutable state
// tree.
//
// The supported subset is add, replace and remove. move, copy and test are
// recognized and skipped. Malformed operations, unresolvable paths and bad
// array indices skip the single operation; the remaining operations still
// apply, in order, each seeing the effect of the ones before it.
//
// The input tree is never modified. Containers along a modified path are
// copied; untouched subtrees are shared with the input.
package patch

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hupe1980/agentrun/core"
)

// Op names.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// Operation is a typed patch operation. add and replace need a value: one
// set through NewOperation or decoded from JSON counts even when null, and a
// literal counts when Value is non-nil.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`

	hasValue bool
}

// NewOperation returns an operation that carries a value.
func NewOperation(op, path string, value any) Operation {
	return Operation{Op: op, Path: path, Value: value, hasValue: true}
}

// Remove returns a remove operation for path.
func Remove(path string) Operation {
	return Operation{Op: OpRemove, Path: path}
}

// UnmarshalJSON decodes an operation and records whether a "value" member was
// present, so an explicit null is kept.
func (o *Operation) UnmarshalJSON(data []byte) error {
	type plain Operation

	var aux struct {
		plain
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*o = Operation(aux.plain)
	o.Value = nil
	o.hasValue = aux.Value != nil
	if o.hasValue {
		if err := json.Unmarshal(aux.Value, &o.Value); err != nil {
			return err
		}
	}
	return nil
}

func (o Operation) carriesValue() bool {
	return o.hasValue || o.Value != nil
}

// Apply applies decoded JSON-Patch operations to state and returns the new
// tree. Entries that are not objects with string "op" and "path" members are
// skipped.
func Apply(state map[string]any, ops []any) map[string]any {
	typed := make([]Operation, 0, len(ops))
	for _, raw := range ops {
		if op, ok := parse(raw); ok {
			typed = append(typed, op)
		}
	}
	return ApplyOperations(state, typed)
}

// ApplyOperations applies typed operations to state and returns the new tree.
func ApplyOperations(state map[string]any, ops []Operation) map[string]any {
	cur := state
	for _, op := range ops {
		if next, ok := applyOne(cur, op); ok {
			cur = next
		}
	}
	if cur == nil {
		return map[string]any{}
	}
	return cur
}

func parse(raw any) (Operation, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Operation{}, false
	}
	op, ok := m["op"].(string)
	if !ok {
		return Operation{}, false
	}
	path, ok := m["path"].(string)
	if !ok {
		return Operation{}, false
	}
	v, has := m["value"]
	from, _ := m["from"].(string)
	return Operation{Op: op, Path: path, Value: v, From: from, hasValue: has}, true
}

func applyOne(state map[string]any, op Operation) (map[string]any, bool) {
	switch op.Op {
	case OpAdd, OpReplace:
		if !op.carriesValue() {
			return nil, false
		}
	case OpRemove:
	case OpMove, OpCopy, OpTest:
		return nil, false
	default:
		return nil, false
	}

	segs, ok := splitPath(op.Path)
	if !ok {
		return nil, false
	}
	if len(segs) == 0 {
		return applyRoot(op)
	}

	out, ok := apply(state, segs, op)
	if !ok {
		return nil, false
	}
	m, ok := out.(map[string]any)
	return m, ok
}

// applyRoot handles operations whose path targets the whole tree. add and
// replace with an object value swap the tree; everything else is ambiguous
// and skipped.
func applyRoot(op Operation) (map[string]any, bool) {
	if op.Op == OpRemove {
		return nil, false
	}
	m, ok := op.Value.(map[string]any)
	if !ok {
		return nil, false
	}
	return core.CloneState(m), true
}

// apply returns a copy of node with op applied at segs.
func apply(node any, segs []string, op Operation) (any, bool) {
	seg := segs[0]
	last := len(segs) == 1

	switch n := node.(type) {
	case map[string]any:
		return applyMap(n, seg, last, segs, op)
	case nil:
		// A null array element becomes an object on add.
		if op.Op != OpAdd {
			return nil, false
		}
		return applyMap(nil, seg, last, segs, op)
	case []any:
		return applySlice(n, seg, last, segs, op)
	default:
		return nil, false
	}
}

func applyMap(n map[string]any, seg string, last bool, segs []string, op Operation) (any, bool) {
	if last {
		switch op.Op {
		case OpAdd, OpReplace:
			out := shallowMap(n, 1)
			out[seg] = op.Value
			return out, true
		case OpRemove:
			if _, ok := n[seg]; !ok {
				return nil, false
			}
			out := shallowMap(n, 0)
			delete(out, seg)
			return out, true
		}
		return nil, false
	}

	child, exists := n[seg]
	if !exists || child == nil {
		if op.Op != OpAdd {
			return nil, false
		}
		child = map[string]any{}
	}
	next, ok := apply(child, segs[1:], op)
	if !ok {
		return nil, false
	}
	out := shallowMap(n, 1)
	out[seg] = next
	return out, true
}

func applySlice(n []any, seg string, last bool, segs []string, op Operation) (any, bool) {
	if last {
		switch op.Op {
		case OpAdd:
			if seg == "-" {
				out := make([]any, len(n), len(n)+1)
				copy(out, n)
				return append(out, op.Value), true
			}
			i, ok := index(seg, len(n))
			if !ok {
				return nil, false
			}
			out := make([]any, 0, len(n)+1)
			out = append(out, n[:i]...)
			out = append(out, op.Value)
			return append(out, n[i:]...), true
		case OpReplace:
			i, ok := index(seg, len(n)-1)
			if !ok {
				return nil, false
			}
			out := make([]any, len(n))
			copy(out, n)
			out[i] = op.Value
			return out, true
		case OpRemove:
			i, ok := index(seg, len(n)-1)
			if !ok {
				return nil, false
			}
			out := make([]any, 0, len(n)-1)
			out = append(out, n[:i]...)
			return append(out, n[i+1:]...), true
		}
		return nil, false
	}

	i, ok := index(seg, len(n)-1)
	if !ok {
		return nil, false
	}
	next, ok := apply(n[i], segs[1:], op)
	if !ok {
		return nil, false
	}
	out := make([]any, len(n))
	copy(out, n)
	out[i] = next
	return out, true
}

// index parses a non-negative decimal array index no greater than max.
func index(seg string, max int) (int, bool) {
	if seg == "" || (len(seg) > 1 && seg[0] == '0') {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	i, err := strconv.Atoi(seg)
	if err != nil || i > max {
		return 0, false
	}
	return i, true
}

// splitPath splits a pointer into unescaped segments. "" and "/" address the
// root and yield no segments.
func splitPath(path string) ([]string, bool) {
	if path == "" || path == "/" {
		return nil, true
	}
	if !strings.HasPrefix(path, "/") {
		return nil, false
	}
	parts := strings.Split(path[1:], "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts, true
}

func shallowMap(m map[string]any, extra int) map[string]any {
	out := make(map[string]any, len(m)+extra)
	for k, v := range m {
		out[k] = v
	}
	return out
}
