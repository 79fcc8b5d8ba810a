package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrInvalidToken is returned for unknown tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrOperatorDisabled is returned for a known token of a disabled operator.
	ErrOperatorDisabled = errors.New("operator disabled")
)

// TokenValidator validates operator tokens. Only SHA-256 digests of the
// tokens are kept in memory.
type TokenValidator struct {
	mu     sync.RWMutex
	tokens map[[sha256.Size]byte]*Operator
}

// NewTokenValidator creates a validator. Each operator's token is given in
// tokens under the operator ID.
func NewTokenValidator(operators []*Operator, tokens map[string][]byte) (*TokenValidator, error) {
	v := &TokenValidator{tokens: make(map[[sha256.Size]byte]*Operator, len(operators))}
	for _, op := range operators {
		if err := v.Add(op, tokens[op.ID]); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Validate returns the operator owning token.
func (v *TokenValidator) Validate(token string) (*Operator, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	op, ok := v.tokens[sha256.Sum256([]byte(token))]
	if !ok {
		return nil, ErrInvalidToken
	}
	if !op.Enabled {
		return nil, ErrOperatorDisabled
	}
	return op, nil
}

// List returns the configured operators ordered by ID.
func (v *TokenValidator) List() []*Operator {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ops := make([]*Operator, 0, len(v.tokens))
	for _, op := range v.tokens {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops
}

// Add registers an operator token. Tokens must be unique across operators.
func (v *TokenValidator) Add(op *Operator, token []byte) error {
	if op.ID == "" {
		return errors.New("operator id is required")
	}
	if len(token) == 0 {
		return fmt.Errorf("operator %s has no token", op.ID)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	digest := sha256.Sum256(token)
	if existing, ok := v.tokens[digest]; ok {
		return fmt.Errorf("operator %s reuses the token of %s", op.ID, existing.ID)
	}
	v.tokens[digest] = op
	return nil
}

// Remove drops every token of the operator with id.
func (v *TokenValidator) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for digest, op := range v.tokens {
		if op.ID == id {
			delete(v.tokens, digest)
		}
	}
}
