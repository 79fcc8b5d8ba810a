package engine

import (
	"fmt"
	"math"
	"reflect"
)

// ConditionKind names a supported condition vocabulary entry.
type ConditionKind string

const (
	KindArgContains    ConditionKind = "arg_contains"
	KindArgNotContains ConditionKind = "arg_not_contains"
	KindSessionContext ConditionKind = "session_context"
)

// WildcardValue as an expected value only requires the key to be present.
const WildcardValue = "*"

// Condition is one entry of a rule's conditions block. The set of
// implementations is closed: ArgContains, ArgNotContains, SessionContext
// and Unrecognized.
type Condition interface {
	Kind() ConditionKind
	Matches(call *Call) bool
	isCondition()
}

// ArgContains requires each key to be present in the tool arguments with
// the given value, or with any value when the expected value is "*".
type ArgContains struct {
	Expected map[string]any
}

func (ArgContains) Kind() ConditionKind { return KindArgContains }
func (ArgContains) isCondition()        {}

func (c ArgContains) Matches(call *Call) bool {
	return containsAll(call.Args, c.Expected)
}

// ArgNotContains fails when a key is present in the tool arguments and
// equals the forbidden value.
type ArgNotContains struct {
	Forbidden map[string]any
}

func (ArgNotContains) Kind() ConditionKind { return KindArgNotContains }
func (ArgNotContains) isCondition()        {}

func (c ArgNotContains) Matches(call *Call) bool {
	for key, forbidden := range c.Forbidden {
		if actual, ok := call.Args[key]; ok && valuesEqual(actual, forbidden) {
			return false
		}
	}
	return true
}

// SessionContext is ArgContains applied to the caller's session context.
type SessionContext struct {
	Expected map[string]any
}

func (SessionContext) Kind() ConditionKind { return KindSessionContext }
func (SessionContext) isCondition()        {}

func (c SessionContext) Matches(call *Call) bool {
	return containsAll(call.Session, c.Expected)
}

// Unrecognized keeps a condition kind this version does not understand.
// It always passes, so newer documents keep loading on older engines.
type Unrecognized struct {
	Name   string
	Params any
}

func (u Unrecognized) Kind() ConditionKind { return ConditionKind(u.Name) }
func (Unrecognized) isCondition()          {}

func (Unrecognized) Matches(*Call) bool { return true }

// NewCondition builds the variant for kind. Params for known kinds must
// be a mapping; unknown kinds become Unrecognized.
func NewCondition(kind string, params any) (Condition, error) {
	switch ConditionKind(kind) {
	case KindArgContains, KindArgNotContains, KindSessionContext:
		m, ok := params.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("condition %q requires a mapping of key to value, got %T", kind, params)
		}
		switch ConditionKind(kind) {
		case KindArgContains:
			return ArgContains{Expected: m}, nil
		case KindArgNotContains:
			return ArgNotContains{Forbidden: m}, nil
		default:
			return SessionContext{Expected: m}, nil
		}
	default:
		return Unrecognized{Name: kind, Params: params}, nil
	}
}

func containsAll(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return false
		}
		if s, isStr := want.(string); isStr && s == WildcardValue {
			continue
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares values decoded from different sources. Documents
// come from YAML (int) and calls usually from JSON (float64), so numbers
// compare by value.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
