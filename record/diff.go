// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"reflect"
	"sort"
	"strconv"
)

// comparator envelope keys never appear in a field diff; they arbitrate
// merges instead of being merged themselves.
func isComparatorKey(key string) bool {
	return key == KeyVersion || key == KeyTimestamp
}

// Diff deep-compares local and remote and returns the sorted list of
// conflicted field paths. Nested object fields use dotted paths ("a.b.c");
// arrays compare atomically. A key present on only one side conflicts.
func Diff(local, remote Record) []string {
	paths := map[string]struct{}{}
	diffMaps("", map[string]any(local), map[string]any(remote), paths)
	out := make([]string, 0, len(paths))
	for p := range paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func diffMaps(prefix string, local, remote map[string]any, out map[string]struct{}) {
	seen := map[string]struct{}{}
	for k := range local {
		seen[k] = struct{}{}
	}
	for k := range remote {
		seen[k] = struct{}{}
	}
	for k := range seen {
		if prefix == "" && isComparatorKey(k) {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		lv, lok := local[k]
		rv, rok := remote[k]
		if lok != rok {
			out[path] = struct{}{}
			continue
		}
		diffValues(path, lv, rv, out)
	}
}

func diffValues(path string, lv, rv any, out map[string]struct{}) {
	lm, lIsMap := asMap(lv)
	rm, rIsMap := asMap(rv)
	if lIsMap && rIsMap {
		diffMaps(path, lm, rm, out)
		return
	}
	if !equalValue(lv, rv) {
		out[path] = struct{}{}
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return t, true
	default:
		return nil, false
	}
}

// equalValue compares scalars and arrays, treating numeric types as equal
// when their values match (JSON decoding yields float64, Go callers write
// int). Everything else falls back to reflect.DeepEqual.
func equalValue(lv, rv any) bool {
	if ln, lok := asFloat(lv); lok {
		if rn, rok := asFloat(rv); rok {
			return ln == rn
		}
		return false
	}
	la, lok := lv.([]any)
	ra, rok := rv.([]any)
	if lok && rok {
		if len(la) != len(ra) {
			return false
		}
		for i := range la {
			if lm, ok := asMap(la[i]); ok {
				rm, ok2 := asMap(ra[i])
				if !ok2 {
					return false
				}
				sub := map[string]struct{}{}
				diffMaps("x", lm, rm, sub)
				if len(sub) > 0 {
					return false
				}
				continue
			}
			if !equalValue(la[i], ra[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(lv, rv)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// Equal reports whether two records have identical canonical content.
func Equal(local, remote Record) bool {
	return string(Canonical(local)) == string(Canonical(remote))
}

// LookupPath resolves a dotted field path: "quantity" matches the top-level
// key, "specs.weight" a nested one.
func LookupPath(r Record, path string) (any, bool) {
	cur := any(map[string]any(r))
	rest := path
	for rest != "" {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		key := rest
		if i := indexDot(rest); i >= 0 {
			key = rest[:i]
			rest = rest[i+1:]
		} else {
			rest = ""
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func indexDot(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// FormatValue renders a field value for reasoning trails. Kept short so
// audit lines stay readable.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		if len(t) > 40 {
			return strconv.Quote(t[:37] + "...")
		}
		return strconv.Quote(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return "<" + reflect.TypeOf(v).String() + ">"
	}
}
