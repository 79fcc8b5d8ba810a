package auth

// Operator is an authenticated caller of the ops API.
type Operator struct {
	ID      string
	Enabled bool
}

// OperatorStore validates bearer tokens.
type OperatorStore interface {
	Validate(token string) (*Operator, error)
	List() []*Operator
}
