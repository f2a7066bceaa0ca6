package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// secretKeys are attribute keys whose values never reach a log sink.
var secretKeys = map[string]struct{}{
	"code":          {},
	"otp":           {},
	"passphrase":    {},
	"auth_token":    {},
	"hmac_secret":   {},
	"authorization": {},
	"access_token":  {},
	"private_key":   {},
}

// phoneKeys are attribute keys carrying beneficiary mobile numbers.
var phoneKeys = map[string]struct{}{
	"mobile":       {},
	"mobilenumber": {},
	"beneficiary":  {},
	"to":           {},
}

// MaskValue returns RedactedValue for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskPhone keeps the country prefix and the last four digits of a mobile number so support
// staff can correlate log lines without the full number ("+91******7890").
func MaskPhone(mobile string) string {
	trimmed := strings.TrimSpace(mobile)
	if len(trimmed) <= 7 {
		return MaskValue(trimmed)
	}
	prefix := 3
	if !strings.HasPrefix(trimmed, "+") {
		prefix = 2
	}
	return trimmed[:prefix] + strings.Repeat("*", len(trimmed)-prefix-4) + trimmed[len(trimmed)-4:]
}

// PhoneField is a slog attribute carrying a masked mobile number.
func PhoneField(key, mobile string) slog.Attr {
	return slog.String(key, MaskPhone(mobile))
}

// redact is applied by the handler to every string attribute. Masking is idempotent, so
// attributes built with PhoneField pass through unchanged.
func redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString {
		return attr
	}
	key := strings.ToLower(attr.Key)
	if _, ok := secretKeys[key]; ok {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	if _, ok := phoneKeys[key]; ok {
		return slog.String(attr.Key, MaskPhone(attr.Value.String()))
	}
	return attr
}
