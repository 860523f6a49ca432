package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys whose values never reach the log output, whatever the call site.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"hmac_secret":   {},
	"secret":        {},
	"passphrase":    {},
	"private_key":   {},
}

// Keys MaskField lets through unmasked.
var maskAllowlist = map[string]struct{}{
	"service":        {},
	"env":            {},
	"error":          {},
	"route":          {},
	"status":         {},
	"operation":      {},
	"trigger":        {},
	"proposal_index": {},
	"loan_index":     {},
	"pool_account":   {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// MaskField returns a string attribute whose value is redacted unless the key
// is allowlisted. Empty values pass through. The key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := maskAllowlist[normalizeKey(key)]; ok {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

func redactSensitive(attr slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[normalizeKey(attr.Key)]; !ok {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
