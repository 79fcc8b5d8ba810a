package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// parsePairs turns repeated key=value flags into a map. Values that are
// valid JSON scalars (numbers, booleans, null) or JSON objects and arrays
// keep their type; anything else is a string.
func parsePairs(flag string, pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --%s %q: want key=value", flag, p)
		}
		out[strings.TrimSpace(k)] = parseValue(v)
	}
	return out, nil
}

func parseValue(v string) any {
	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err == nil {
		if _, isString := decoded.(string); !isString {
			return decoded
		}
	}
	return v
}

// parseTime accepts RFC 3339 or a plain date, which means midnight UTC.
func parseTime(flag, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s %q: want RFC 3339 or YYYY-MM-DD", flag, v)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
