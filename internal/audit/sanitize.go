package audit

import (
	"fmt"
	"regexp"
	"strings"
)

// sensitiveKey matches map keys and field names whose values must never be
// stored in clear text.
var sensitiveKey = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|private[_-]?key|credential|authorization)`)

// inlineSecret matches key=value / key: value occurrences inside free-form
// text such as messages and resource names.
var inlineSecret = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|credential)(\s*[=:]\s*)(\S+)`)

// maskValue reduces a sensitive value to a short trailing hint.
// "Sup3rSecret!" becomes "***cret!". The hint is only kept when the value is
// long enough that most of it stays hidden; short values are fully masked so
// the stored form never reproduces the value.
func maskValue(v string) string {
	if len(v) < 9 {
		return "****"
	}
	return "***" + v[len(v)-5:]
}

// sanitizeText masks inline secret assignments in free-form text.
func sanitizeText(s string) string {
	if s == "" {
		return s
	}
	return inlineSecret.ReplaceAllStringFunc(s, func(match string) string {
		parts := inlineSecret.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		return parts[1] + parts[2] + maskValue(parts[3])
	})
}

// sanitizeData returns a copy of the data map with every sensitive value
// masked. Nested maps are sanitized recursively; the input is never mutated.
func sanitizeData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}

	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = sanitizeData(val)
		case string:
			if sensitiveKey.MatchString(k) {
				out[k] = maskValue(val)
			} else {
				out[k] = sanitizeText(val)
			}
		default:
			if sensitiveKey.MatchString(k) {
				out[k] = maskValue(fmt.Sprintf("%v", val))
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// SanitizeResource masks sensitive fragments in a resource identifier.
// Exported for callers that build resource names from user input.
func SanitizeResource(resource string) string {
	return sanitizeText(strings.TrimSpace(resource))
}
