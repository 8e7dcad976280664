package textutil

import "strings"

// NormalizeStringMap trims keys and values and drops entries whose key
// trims to empty. Used for shopper-supplied metadata such as gift notes
// and order attributes before persistence. Returns nil when nothing
// survives.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
