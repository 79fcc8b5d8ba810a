package signing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Secret reference prefixes.
const (
	RefEnv     = "env:"
	RefFile    = "file:"
	RefLiteral = "literal:"
)

// ResolveSecret loads the secret named by ref:
//
//	env:NAME        value of the environment variable NAME
//	file:/path      contents of a 0600 or 0400 file, whitespace trimmed
//	literal:VALUE   VALUE itself, intended for tests
//
// A reference that resolves to nothing wraps ErrMissingSecret.
func ResolveSecret(_ context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, RefEnv):
		name := strings.TrimPrefix(ref, RefEnv)
		value := os.Getenv(name)
		if value == "" {
			return nil, fmt.Errorf("%w: environment variable %s is empty", ErrMissingSecret, name)
		}
		return []byte(value), nil

	case strings.HasPrefix(ref, RefFile):
		return readSecretFile(strings.TrimPrefix(ref, RefFile))

	case strings.HasPrefix(ref, RefLiteral):
		value := strings.TrimPrefix(ref, RefLiteral)
		if value == "" {
			return nil, fmt.Errorf("%w: empty literal", ErrMissingSecret)
		}
		slog.Warn("signing secret supplied as a literal; use env: or file: outside tests")
		return []byte(value), nil

	case ref == "":
		return nil, ErrMissingSecret

	default:
		return nil, fmt.Errorf("unsupported secret reference %q (want env:, file: or literal:)", redactRef(ref))
	}
}

// NewSignerFromRef resolves ref and builds a Signer.
func NewSignerFromRef(ctx context.Context, ref string) (*Signer, error) {
	secret, err := ResolveSecret(ctx, ref)
	if err != nil {
		return nil, err
	}
	return NewSigner(secret)
}

func readSecretFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: secret file not found: %s", ErrMissingSecret, path)
		}
		return nil, fmt.Errorf("failed to stat secret file: %w", err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("secret path is not a regular file: %s", path)
	}

	if mode := info.Mode().Perm(); mode != 0o600 && mode != 0o400 {
		return nil, fmt.Errorf("insecure permissions on %s: %o (expected 0600 or 0400)", path, mode)
	}

	// #nosec G304 - operator-supplied path
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		return nil, fmt.Errorf("%w: secret file %s is empty", ErrMissingSecret, path)
	}
	return []byte(value), nil
}

// redactRef keeps an unrecognized reference out of logs in full, since
// it may be a secret pasted in place of a reference.
func redactRef(ref string) string {
	if len(ref) <= 4 {
		return "****"
	}
	return ref[:4] + "****"
}
