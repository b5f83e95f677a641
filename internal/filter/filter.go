// Package filter evaluates declarative subscription filters against event
// payloads. Matching is pure: no state, no side effects.
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Matches reports whether payload satisfies every entry in filter. Entries
// are ANDed; a field that cannot be resolved in the payload always fails.
// Filter keys support dot notation for nested payload access.
func Matches(payload, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := lookup(payload, key)
		if !ok {
			return false
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

// Describe renders the filter as a human-readable AND-joined expression
// with the same semantics Matches applies. Used only for logging.
func Describe(filter map[string]any) string {
	if len(filter) == 0 {
		return "(no filter)"
	}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, describeEntry(key, filter[key]))
	}
	return strings.Join(parts, " AND ")
}

func describeEntry(key string, want any) string {
	expr, ok := want.(string)
	if !ok {
		return fmt.Sprintf("%s == %v", key, want)
	}
	switch {
	case strings.HasPrefix(expr, ">="), strings.HasPrefix(expr, "<="):
		return fmt.Sprintf("%s %s %s", key, expr[:2], strings.TrimSpace(expr[2:]))
	case strings.HasPrefix(expr, ">"), strings.HasPrefix(expr, "<"):
		return fmt.Sprintf("%s %s %s", key, expr[:1], strings.TrimSpace(expr[1:]))
	case strings.HasPrefix(expr, "!"):
		return fmt.Sprintf("%s != %q", key, expr[1:])
	case strings.Contains(expr, "*"):
		return fmt.Sprintf("%s matches %q", key, expr)
	default:
		return fmt.Sprintf("%s == %q", key, expr)
	}
}

// lookup resolves a dot-notation path against a nested payload map.
func lookup(payload map[string]any, path string) (any, bool) {
	if payload == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchValue(got, want any) bool {
	switch w := want.(type) {
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case string:
		return matchString(got, w)
	default:
		wantNum, ok := toNumber(want)
		if !ok {
			return stringify(got) == stringify(want)
		}
		gotNum, ok := toNumber(got)
		return ok && gotNum == wantNum
	}
}

// matchString interprets a string filter value, in priority order, as a
// numeric comparison (>=, <=, >, <), a negation (!value), a glob pattern
// (contains *), or exact string equality.
func matchString(got any, expr string) bool {
	for _, op := range []string{">=", "<=", ">", "<"} {
		if !strings.HasPrefix(expr, op) {
			continue
		}
		bound, err := strconv.ParseFloat(strings.TrimSpace(expr[len(op):]), 64)
		if err != nil {
			return false
		}
		val, ok := toNumber(got)
		if !ok {
			return false
		}
		switch op {
		case ">=":
			return val >= bound
		case "<=":
			return val <= bound
		case ">":
			return val > bound
		default:
			return val < bound
		}
	}
	if strings.HasPrefix(expr, "!") {
		return stringify(got) != expr[1:]
	}
	if strings.Contains(expr, "*") {
		return Glob(expr, stringify(got))
	}
	return stringify(got) == expr
}

// Glob matches s against a pattern where * matches any run of characters,
// including none. Unlike path.Match, * is not bounded by separators.
func Glob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return len(s) >= len(last) && strings.HasSuffix(s, last)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
