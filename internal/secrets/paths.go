package secrets

import (
	"fmt"
	"strings"
)

// lookupPath walks a nested value tree by dot-delimited path.
// "infrastructure.redis.url" descends three map levels.
func lookupPath(tree map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = tree
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
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

// setPath writes value at the dot-delimited path, creating intermediate maps
// as needed. An intermediate non-map value is replaced by a map.
func setPath(tree map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// flattenTree converts a nested tree into dot-path leaf entries.
// Non-string leaves are rendered with %v.
func flattenTree(tree map[string]interface{}, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range tree {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flattenTree(nested, path) {
				out[nk] = nv
			}
			continue
		}
		out[path] = fmt.Sprintf("%v", v)
	}
	return out
}
