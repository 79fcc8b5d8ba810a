// Package governance records policy changes and integrity checks on the
// audit chain.
//
// Register a Recorder with the policy store to log every activation and
// every failed load:
//
//	rec := governance.NewRecorder(auditChain)
//	store.AddListener(rec)
//
// Events are attributed to the actor carried by the context (see
// WithActor), or to SystemActor.
package governance
