// Package secrets strips credentials from bus payloads before they are kept
// anywhere longer than the request itself.
package secrets

import (
	"encoding/json"
	"strings"

	"github.com/laptopdesk/backplane/core/protocol/wire"
)

const redacted = "<redacted>"

var sensitiveKeys = map[string]struct{}{
	"password":         {},
	"new_password":     {},
	"current_password": {},
	"password_hash":    {},
	"token":            {},
	"access_token":     {},
	"refresh_token":    {},
	"secret":           {},
}

// IsSensitive reports whether values under key are credentials.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Contains reports whether value holds any credential field.
func Contains(value any) bool {
	_, found := redact(value)
	return found
}

// Redact returns a copy of value with every credential field replaced.
func Redact(value any) (any, bool) {
	return redact(value)
}

// RedactPayload decodes data as a bus message and re-encodes it with
// credentials replaced. Bytes that are not a message are returned unchanged.
func RedactPayload(data []byte) []byte {
	msg, err := wire.Decode(data)
	if err != nil {
		return data
	}
	clean, changed := redact(map[string]any(msg))
	if !changed {
		return data
	}
	out, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return out
}

func redact(value any) (any, bool) {
	switch v := value.(type) {
	case wire.Message:
		return redact(map[string]any(v))
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			if IsSensitive(k) {
				out[k] = redacted
				changed = true
				continue
			}
			red, childChanged := redact(child)
			changed = changed || childChanged
			out[k] = red
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, childChanged := redact(child)
			changed = changed || childChanged
			out[i] = red
		}
		return out, changed
	default:
		return v, false
	}
}
