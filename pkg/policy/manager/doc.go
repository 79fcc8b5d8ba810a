// Package manager loads, validates and serves the active policy rule set.
//
// A policy document is YAML with a version string and an ordered list of
// rules:
//
//	version: "2024-06-01"
//	rules:
//	  - name: allow_search
//	    action: allow
//	    tools: ["search_*"]
//	  - name: guard_prod
//	    action: approve
//	    tools: ["deploy_*"]
//	    conditions:
//	      arg_contains: {env: prod}
//	      session_context: {team: "*"}
//
// # Store
//
// Store holds the active engine.RuleSet behind an atomic pointer, so
// evaluations never wait on a reload. Reloads are serialized. When a
// document cannot be read or does not validate, the store logs the
// failure and activates the built-in fallback rule set (a single allow
// rule for every tool), or keeps the previous rule set when configured
// with FailureKeepLast. Callers of Active never see an error.
//
//	store := manager.NewStore(manager.NewFileSource("policy.yaml"))
//	result := store.Reload(ctx)
//	if result.Err != nil {
//	    // fallback is active; result.Err says why
//	}
//	eng := engine.New(store)
//
// # Validation
//
// Validate returns every problem in a candidate document rather than
// stopping at the first, with rule names, field paths and line numbers.
//
// # Hot reload
//
// FileWatcher uses fsnotify to reload the store when the document
// changes on disk. Bursts of events are debounced into one reload.
// Git-backed documents are served by package git, which implements
// Source.
package manager
