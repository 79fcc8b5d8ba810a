package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// TokenSource defines where to extract a token from.
type TokenSource struct {
	Type   string // header, query
	Name   string // header name or query parameter
	Scheme string // "Bearer", etc. (optional)
}

// DefaultSources reads "Authorization: Bearer <token>".
var DefaultSources = []TokenSource{
	{Type: "header", Name: "Authorization", Scheme: "Bearer"},
}

// Middleware authenticates requests with operator tokens.
type Middleware struct {
	store   OperatorStore
	sources []TokenSource
	logger  *slog.Logger
}

// NewMiddleware creates the middleware. Nil sources means DefaultSources.
func NewMiddleware(store OperatorStore, sources []TokenSource) *Middleware {
	if len(sources) == 0 {
		sources = DefaultSources
	}
	return &Middleware{
		store:   store,
		sources: sources,
		logger:  slog.Default().With("component", "auth"),
	}
}

// Handle rejects requests without a valid token with 401 and stores the
// operator in the request context otherwise.
func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := m.extractToken(r)
		if err != nil {
			m.logger.WarnContext(r.Context(), "missing operator token",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="runlok"`)
			http.Error(w, "Missing or invalid token", http.StatusUnauthorized)
			return
		}

		op, err := m.store.Validate(token)
		if err != nil {
			m.logger.WarnContext(r.Context(), "operator token rejected",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="runlok", error="invalid_token"`)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		m.logger.DebugContext(r.Context(), "operator authenticated", "operator", op.ID, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
	})
}

func (m *Middleware) extractToken(r *http.Request) (string, error) {
	for _, source := range m.sources {
		switch source.Type {
		case "header":
			value := r.Header.Get(source.Name)
			if value == "" {
				continue
			}
			if source.Scheme == "" {
				return value, nil
			}
			if scheme, token, ok := strings.Cut(value, " "); ok && strings.EqualFold(scheme, source.Scheme) && token != "" {
				return token, nil
			}
		case "query":
			if value := r.URL.Query().Get(source.Name); value != "" {
				return value, nil
			}
		}
	}
	return "", errors.New("no token found")
}

type contextKey struct{}

// WithOperator returns a context carrying op.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

// OperatorFrom returns the authenticated operator, if any.
func OperatorFrom(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(contextKey{}).(*Operator)
	return op, ok
}
