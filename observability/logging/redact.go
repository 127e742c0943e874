package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys always redact, whatever the caller passes: swap preimages,
// credentials, and key references must never reach a log line in full.
var sensitiveKeys = map[string]struct{}{
	"secret":        {},
	"preimage":      {},
	"admin_token":   {},
	"auth_token":    {},
	"authorization": {},
	"bearer":        {},
	"key_ref":       {},
}

// redactionAllowlist names the keys the coordinator emits that are safe in
// the clear: correlation ids, ledger positions, and error text. Digests and
// tx refs are public on-chain data and belong here; the preimage behind a
// digest does not.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"detail":    {},
	"swap":      {},
	"ledger":    {},
	"escrow":    {},
	"a_escrow":  {},
	"b_escrow":  {},
	"digest":    {},
	"tx":        {},
	"height":    {},
	"incident":  {},
	"network":   {},
	"phase":     {},
	"count":     {},
	"active":    {},
	"expired":   {},
	"stake":     {},
	"net":       {},
	"fee":       {},
}

// IsSensitive reports whether the key must always be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	if IsSensitive(key) {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction. Tests use this to ensure sensitive keys remain masked.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
