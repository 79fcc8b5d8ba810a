package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// Redacted replaces the value of a sensitive attribute.
const Redacted = "***"

// defaultSensitiveKeys are matched as substrings of lowercased keys.
var defaultSensitiveKeys = []string{
	"password", "passwd",
	"secret", "token",
	"api_key", "apikey",
	"authorization",
	"private_key",
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// valuePatterns scrub secrets embedded in otherwise harmless strings,
// such as error messages.
var valuePatterns = []redactPattern{
	{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{6,}`), "sk-***"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`), "Bearer ***"},
	{regexp.MustCompile(`(password|passwd|pwd)[:=]\s*[^\s]+`), "$1=***"},
}

// Redactor masks sensitive log attributes. Its ReplaceAttr method plugs
// into slog.HandlerOptions.
type Redactor struct {
	keys []string
}

// NewRedactor creates a redactor for the built-in keys plus extra.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{keys: append([]string(nil), defaultSensitiveKeys...)}
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			r.keys = append(r.keys, k)
		}
	}
	return r
}

// IsSensitiveKey reports whether an attribute named key is masked.
func (r *Redactor) IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactString scrubs embedded secrets from s.
func (r *Redactor) RedactString(s string) string {
	for _, p := range valuePatterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// ReplaceAttr masks sensitive attributes and scrubs string values.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey || a.Key == slog.LevelKey || a.Key == slog.SourceKey {
		return a
	}
	if r.IsSensitiveKey(a.Key) && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, Redacted)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.RedactString(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, r.RedactString(err.Error()))
		}
	}
	return a
}
