/*
Package auth authenticates callers of the runlok ops API with operator
bearer tokens.

Tokens are configured per operator under server.operators, each as a
secret reference (env:NAME or file:/path). Only SHA-256 digests of the
tokens are held in memory.

	validator, err := auth.NewTokenValidator(
		[]*auth.Operator{{ID: "alice", Enabled: true}},
		map[string][]byte{"alice": token},
	)
	mw := auth.NewMiddleware(validator, nil)
	router.With(mw.Handle).Post("/v1/policy/reload", reload)

Inside a handler the operator is available from the request context:

	if op, ok := auth.OperatorFrom(r.Context()); ok {
		slog.Info("reload requested", "operator", op.ID)
	}

When operators are configured, governance events caused through the API
are attributed to the authenticated operator.
*/
package auth
