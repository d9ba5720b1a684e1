package device

import "strings"

// Snapshot is the raw key/value payload a device reported on one poll.
// Only a handful of keys are interpreted; the rest is passed through to observers.
type Snapshot map[string]any

// Lookup resolves a dotted key path such as "keypad.power" through nested maps.
func (s Snapshot) Lookup(path string) (any, bool) {
	if s == nil || path == "" {
		return nil, false
	}

	var cur any = map[string]any(s)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Snapshot:
		return m, true
	default:
		return nil, false
	}
}
