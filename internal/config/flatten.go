package config

import (
	"strings"
)

// secretKeys lists the dot keys whose values are masked when listed.
var secretKeys = map[string]bool{
	"llm.api_key":         true,
	"auth.jwt_secret":     true,
	"drive.access_token":  true,
	"drive.refresh_token": true,
	"drive.client_secret": true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns {"relay": {"history_limit": 50}} into
// {"relay.history_limit": 50}. Arrays are kept as leaf values.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto("", m, out)
	return out
}

func flattenInto(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten is the inverse of Flatten. A dot key whose parent already holds
// a leaf replaces that leaf with a nested map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with every non-empty secret shown as
// "***" plus its last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if !secretKeys[k] {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			out[k] = "***" + s[max(0, len(s)-4):]
		}
	}
	return out
}
