package storage

import "strings"

// Redact returns a copy of v with every occurrence of a secret replaced by its
// placeholder. Maps and slices are copied; other values are returned as is.
func Redact(v any, secrets map[string]string) any {
	if len(secrets) == 0 {
		return v
	}
	switch x := v.(type) {
	case string:
		for secret, placeholder := range secrets {
			if secret != "" && strings.Contains(x, secret) {
				x = strings.ReplaceAll(x, secret, placeholder)
			}
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Redact(item, secrets)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Redact(item, secrets)
		}
		return out
	default:
		return v
	}
}
