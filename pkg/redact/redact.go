package redact

import (
	"bytes"
	"regexp"
	"strings"
)

// Placeholder replaces every sensitive value.
const Placeholder = "***"

// SensitiveFields is the fixed set of field names whose values never leave the process.
var SensitiveFields = []string{"password", "token", "key", "secret", "api_key"}

// keyPattern matches a sensitive object key and the colon after it,
// case-insensitively. Keys escaped inside string values do not match.
var keyPattern = regexp.MustCompile(
	`(?i)"(?:` + strings.Join(SensitiveFields, "|") + `)"\s*:\s*`)

var maskedValue = []byte(`"` + Placeholder + `"`)

// JSON replaces sensitive values in a serialized JSON document. Strings,
// numbers, booleans, objects and arrays are all replaced whole; null is kept.
// Applying it to its own output returns the same string.
func JSON(s string) string {
	return string(Bytes([]byte(s)))
}

// Bytes is JSON for byte slices. The input is never modified.
func Bytes(b []byte) []byte {
	locs := keyPattern.FindAllIndex(b, -1)
	out := make([]byte, 0, len(b))
	last := 0
	for _, loc := range locs {
		if loc[0] < last {
			// Inside a value that is already masked.
			continue
		}
		start := loc[1]
		end := valueEnd(b, start)
		if end == start || bytes.Equal(b[start:end], []byte("null")) {
			continue
		}
		out = append(out, b[last:start]...)
		out = append(out, maskedValue...)
		last = end
	}
	return append(out, b[last:]...)
}

// valueEnd returns the offset just past the JSON value starting at i.
// Truncated values run to the end of b.
func valueEnd(b []byte, i int) int {
	if i >= len(b) {
		return i
	}
	switch b[i] {
	case '"':
		return stringEnd(b, i)
	case '{', '[':
		depth := 0
		for j := i; j < len(b); j++ {
			switch b[j] {
			case '"':
				j = stringEnd(b, j) - 1
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					return j + 1
				}
			}
		}
		return len(b)
	default:
		j := i
		for j < len(b) && bytes.IndexByte([]byte(",}] \t\r\n"), b[j]) < 0 {
			j++
		}
		return j
	}
}

// stringEnd returns the offset just past the string literal opening at i.
func stringEnd(b []byte, i int) int {
	for j := i + 1; j < len(b); j++ {
		switch b[j] {
		case '\\':
			j++
		case '"':
			return j + 1
		}
	}
	return len(b)
}

// IsSensitive reports whether a field name is in the sensitive set.
func IsSensitive(name string) bool {
	for _, f := range SensitiveFields {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}

// Fields returns a copy of m with sensitive values replaced. Nested maps are
// walked; other values are kept as is.
func Fields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitive(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = walk(v)
	}
	return out
}

func walk(v any) any {
	switch nested := v.(type) {
	case map[string]any:
		return Fields(nested)
	case map[string]string:
		cp := make(map[string]any, len(nested))
		for nk, nv := range nested {
			cp[nk] = nv
		}
		return Fields(cp)
	case []any:
		cp := make([]any, len(nested))
		for i, item := range nested {
			cp[i] = walk(item)
		}
		return cp
	default:
		return v
	}
}

// Strings is Fields for flat string maps such as gRPC metadata.
func Strings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if IsSensitive(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = v
	}
	return out
}
