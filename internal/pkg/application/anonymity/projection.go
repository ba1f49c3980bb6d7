package anonymity

import (
	"encoding/json"
	"strings"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

// PresentFields projects the presented view onto the requested fields. Nested
// fields use dots, as in "student.name". Unknown fields are skipped. An empty
// field list returns the whole view.
func (g Guard) PresentFields(a types.Alert, fields ...string) map[string]any {
	full := map[string]any{}

	b, _ := json.Marshal(g.Present(a))
	_ = json.Unmarshal(b, &full)

	if len(fields) == 0 {
		return full
	}

	out := map[string]any{}
	for _, f := range fields {
		path := strings.Split(strings.TrimSpace(f), ".")
		if v, ok := lookup(full, path); ok {
			assign(out, path, v)
		}
	}

	return out
}

func lookup(m map[string]any, path []string) (any, bool) {
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	child, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(child, path[1:])
}

func assign(m map[string]any, path []string, v any) {
	if len(path) == 1 {
		m[path[0]] = v
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[path[0]] = child
	}
	assign(child, path[1:], v)
}
