package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// RedactedMarker replaces non-string sensitive values.
const RedactedMarker = "[REDACTED]"

// DefaultSensitiveTokens are the key name tokens treated as sensitive.
var DefaultSensitiveTokens = []string{
	"password", "passwd", "token", "secret", "key", "email", "ip",
	"authorization", "credential", "credentials",
}

// DefaultSensitiveWords also match inside a name token, so concatenated
// names such as "apikey" or "clientsecret" are caught. Short words like
// "ip" and "key" are left out: they only match as whole tokens.
var DefaultSensitiveWords = []string{
	"password", "passwd", "token", "secret", "email",
	"authorization", "credential", "apikey", "privatekey", "accesskey",
}

// safeTokens contain a sensitive word but name ordinary fields.
var safeTokens = map[string]bool{
	"tokenizer":    true,
	"tokenization": true,
	"secretary":    true,
}

// Anonymizer replaces sensitive values in event context before hashing.
// A key is sensitive when one of its name tokens is in the sensitive set
// or contains a sensitive word: "api_key", "userEmail" and "APIKEY" are,
// "keyboard" and "zip" are not.
type Anonymizer struct {
	tokens map[string]bool
	words  []string
}

// NewAnonymizer builds an anonymizer from DefaultSensitiveTokens plus
// extra key tokens.
func NewAnonymizer(extra ...string) *Anonymizer {
	a := &Anonymizer{tokens: make(map[string]bool), words: DefaultSensitiveWords}
	for _, t := range DefaultSensitiveTokens {
		a.tokens[t] = true
	}
	for _, t := range extra {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			a.tokens[t] = true
		}
	}
	return a
}

// IsSensitive reports whether key names a sensitive field.
func (a *Anonymizer) IsSensitive(key string) bool {
	if a.tokens[strings.ToLower(key)] {
		return true
	}
	for _, tok := range keyTokens(key) {
		if a.tokens[tok] {
			return true
		}
		if safeTokens[tok] {
			continue
		}
		for _, w := range a.words {
			if strings.Contains(tok, w) {
				return true
			}
		}
	}
	return false
}

// Map returns an anonymized deep copy of m. Nested maps and lists under
// non-sensitive keys are walked; any value under a sensitive key is
// replaced whole.
func (a *Anonymizer) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if a.IsSensitive(k) {
			out[k] = Mask(v)
			continue
		}
		out[k] = a.value(v)
	}
	return out
}

func (a *Anonymizer) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return a.Map(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return a.Map(m)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = a.value(item)
		}
		return out
	default:
		return v
	}
}

// Mask returns the one-way replacement for a sensitive value: the first
// eight hex digits of its SHA-256 followed by "..." for strings, and
// RedactedMarker for everything else.
func Mask(v any) any {
	s, ok := v.(string)
	if !ok {
		return RedactedMarker
	}
	return MaskString(s)
}

// MaskString hashes s the way Mask does.
func MaskString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8] + "..."
}

// keyTokens splits a key on non-alphanumerics and lower-to-upper case
// transitions: "userEmail" -> [user email], "X-API-Key" -> [x api key].
func keyTokens(key string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	runes := []rune(key)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}
