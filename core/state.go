package core

// CloneState returns a deep copy of a JSON-shaped state tree. Maps and slices
// are copied recursively; other values are shared.
func CloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out, _ := CloneValue(state).(map[string]any)
	return out
}

// CloneValue deep copies a JSON-shaped value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = CloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = CloneValue(val)
		}
		return s
	default:
		return v
	}
}
