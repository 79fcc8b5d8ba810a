package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scheme identifiers. The canonical form of a scheme never changes; a
// new field order or separator gets a new version.
const (
	SchemeV1 = "v1"

	// TimestampLayout is the fixed textual timestamp used by SchemeV1.
	TimestampLayout = "2006-01-02T15:04:05.000000Z"
)

var (
	// ErrMissingSecret is returned when no signing secret is configured.
	ErrMissingSecret = errors.New("signing secret is not configured")

	// ErrUnknownScheme is returned when verifying a signature whose
	// version prefix is not recognized.
	ErrUnknownScheme = errors.New("unknown signature scheme")
)

// Fields are the parts of an enforcement record covered by a signature.
type Fields struct {
	SessionID string
	ToolName  string
	Timestamp time.Time
}

// Canonical returns the SchemeV1 byte form: session_id:tool_name:timestamp,
// with the timestamp in UTC at microsecond precision.
func (f Fields) Canonical() string {
	return f.SessionID + ":" + f.ToolName + ":" + f.Timestamp.UTC().Format(TimestampLayout)
}

// Signer produces and checks HMAC-SHA256 signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. An empty secret is ErrMissingSecret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Signer{secret: s}, nil
}

// Sign returns "v1:<hex mac>" for f.
func (s *Signer) Sign(f Fields) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrMissingSecret
	}
	return SchemeV1 + ":" + hex.EncodeToString(s.mac(f)), nil
}

// Verify reports whether signature was produced for f with this
// signer's secret. Malformed signatures verify as false; an unknown
// scheme is an error so callers can tell it apart from tampering.
func (s *Signer) Verify(f Fields, signature string) (bool, error) {
	if s == nil || len(s.secret) == 0 {
		return false, ErrMissingSecret
	}

	scheme, encoded, ok := strings.Cut(signature, ":")
	if !ok {
		return false, nil
	}
	if scheme != SchemeV1 {
		return false, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}

	got, err := hex.DecodeString(encoded)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(got, s.mac(f)), nil
}

func (s *Signer) mac(f Fields) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(f.Canonical()))
	return m.Sum(nil)
}

// GenerateSecret returns n random bytes, hex encoded, for use as a
// signing secret.
func GenerateSecret(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("secret length %d is too short (minimum 16 bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
