package convert

import "github.com/seantiz/runsync/internal/attrs"

// AppendExtra copies the entries of extra into dst, in order, skipping keys
// dst already holds.
func AppendExtra(dst, extra *attrs.Map) {
	extra.Range(func(k string, v any) bool {
		if !dst.Has(k) {
			dst.Set(k, v)
		}
		return true
	})
}

// NilIfEmpty returns nil for an empty map.
func NilIfEmpty(m *attrs.Map) *attrs.Map {
	if m.Len() == 0 {
		return nil
	}
	return m
}

// StringMapAttrs converts a string map into an attribute map with sorted keys.
func StringMapAttrs(in map[string]string) *attrs.Map {
	plain := make(map[string]any, len(in))
	for k, v := range in {
		plain[k] = v
	}
	return attrs.FromMap(plain)
}

// StringsAttrs converts a string slice into an attribute list.
func StringsAttrs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
