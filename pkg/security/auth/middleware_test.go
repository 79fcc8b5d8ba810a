package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newValidator(t *testing.T) *TokenValidator {
	t.Helper()
	v, err := NewTokenValidator(
		[]*Operator{
			{ID: "alice", Enabled: true},
			{ID: "mallory", Enabled: false},
		},
		map[string][]byte{
			"alice":   []byte("tok-alice-123"),
			"mallory": []byte("tok-mallory-456"),
		},
	)
	if err != nil {
		t.Fatalf("NewTokenValidator() error = %v", err)
	}
	return v
}

func TestTokenValidator(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr error
	}{
		{"valid", "tok-alice-123", "alice", nil},
		{"disabled", "tok-mallory-456", "", ErrOperatorDisabled},
		{"unknown", "tok-nobody", "", ErrInvalidToken},
		{"empty", "", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := v.Validate(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && op.ID != tt.wantID {
				t.Errorf("Validate() = %s, want %s", op.ID, tt.wantID)
			}
		})
	}

	if ops := v.List(); len(ops) != 2 || ops[0].ID != "alice" {
		t.Errorf("List() = %v", ops)
	}
	v.Remove("alice")
	if _, err := v.Validate("tok-alice-123"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() after Remove error = %v", err)
	}
}

func TestNewTokenValidator_Errors(t *testing.T) {
	tests := []struct {
		name   string
		ops    []*Operator
		tokens map[string][]byte
	}{
		{"missing id", []*Operator{{}}, map[string][]byte{"": []byte("x")}},
		{"missing token", []*Operator{{ID: "a"}}, nil},
		{"shared token", []*Operator{{ID: "a"}, {ID: "b"}}, map[string][]byte{"a": []byte("same"), "b": []byte("same")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenValidator(tt.ops, tt.tokens); err == nil {
				t.Error("NewTokenValidator() succeeded")
			}
		})
	}
}

func TestMiddleware_Handle(t *testing.T) {
	tests := []struct {
		name           string
		sources        []TokenSource
		setupRequest   func(*http.Request)
		expectedStatus int
		wantOperator   string
	}{
		{
			name: "valid bearer token",
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer tok-alice-123")
			},
			expectedStatus: http.StatusOK,
			wantOperator:   "alice",
		},
		{
			name: "lowercase scheme",
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "bearer tok-alice-123")
			},
			expectedStatus: http.StatusOK,
			wantOperator:   "alice",
		},
		{
			name:    "custom header",
			sources: []TokenSource{{Type: "header", Name: "X-Runlok-Token"}},
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-Runlok-Token", "tok-alice-123")
			},
			expectedStatus: http.StatusOK,
			wantOperator:   "alice",
		},
		{
			name:    "query parameter",
			sources: []TokenSource{{Type: "query", Name: "token"}},
			setupRequest: func(r *http.Request) {
				r.URL.RawQuery = "token=tok-alice-123"
			},
			expectedStatus: http.StatusOK,
			wantOperator:   "alice",
		},
		{
			name:           "missing token",
			setupRequest:   func(r *http.Request) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong scheme",
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic tok-alice-123")
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "disabled operator",
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer tok-mallory-456")
			},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if op, ok := OperatorFrom(r.Context()); ok {
					got = op.ID
				}
				w.WriteHeader(http.StatusOK)
			})

			handler := NewMiddleware(newValidator(t), tt.sources).Handle(next)
			req := httptest.NewRequest(http.MethodPost, "/v1/policy/reload", nil)
			tt.setupRequest(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
			if got != tt.wantOperator {
				t.Errorf("operator = %q, want %q", got, tt.wantOperator)
			}
			if rec.Code == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}
