// Package dotpath navigates decoded JSON values with paths of the form
// segment(.segment)*. A segment is an object key or, against an array, a
// non-negative index. Lookups never panic: any mismatch yields "absent".
package dotpath

import (
	"strconv"
	"strings"
)

// Path is a parsed dot-path.
type Path []string

// Parse splits s into segments. Empty segments make the path invalid.
func Parse(s string) (Path, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	segs := strings.Split(s, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, false
		}
	}
	return Path(segs), true
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Get resolves path against v.
func Get(v any, path string) (any, bool) {
	p, ok := Parse(path)
	if !ok {
		return nil, false
	}
	return p.Get(v)
}

func (p Path) Get(v any) (any, bool) {
	cur := v
	for _, seg := range p {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// GetString returns the string at path. Numbers and booleans are not
// converted.
func GetString(v any, path string) (string, bool) {
	got, ok := Get(v, path)
	if !ok {
		return "", false
	}
	s, ok := got.(string)
	return s, ok
}

// GetInt returns the integer at path. JSON numbers decode as float64; both
// that and numeric strings are accepted.
func GetInt(v any, path string) (int, bool) {
	got, ok := Get(v, path)
	if !ok {
		return 0, false
	}
	return toInt(got)
}

// GetBool returns the boolean at path.
func GetBool(v any, path string) (bool, bool) {
	got, ok := Get(v, path)
	if !ok {
		return false, false
	}
	b, ok := got.(bool)
	return b, ok
}

// Set writes value at path inside root, creating intermediate objects as
// needed. It reports false when an existing non-object value blocks the path.
// Array segments are never created.
func Set(root map[string]any, path string, value any) bool {
	p, ok := Parse(path)
	if !ok || root == nil {
		return false
	}
	cur := root
	for _, seg := range p[:len(p)-1] {
		next, exists := cur[seg]
		if !exists || next == nil {
			child := make(map[string]any)
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return false
		}
		cur = child
	}
	cur[p[len(p)-1]] = value
	return true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
