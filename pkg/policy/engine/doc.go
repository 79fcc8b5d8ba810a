// Package engine evaluates agent tool calls against an ordered set of
// policy rules.
//
// A rule matches a call when any of its tool name globs matches the tool
// name and all of its conditions pass. Rules are tried in the order they
// appear in the policy document and the first match decides; there is no
// specificity ranking, so policy authors must put narrow rules before
// broad ones. A call that matches nothing is denied with the reason
// "no matching policy rule".
//
// # Patterns
//
// Tool globs support two wildcards, '*' (any sequence) and '?' (exactly one
// character). Patterns are anchored:
//
//	search_*   matches search_web, search_   but not web_search
//	file_??    matches file_rm               but not file_rmdir
//	*          matches every tool name, including ""
//
// # Conditions
//
// The condition vocabulary is closed:
//
//	arg_contains:      {key: value}   key present in args and equal ("*" = any value)
//	arg_not_contains:  {key: value}   fails if key present in args and equal
//	session_context:   {key: value}   like arg_contains, against the session context
//
// Any other condition name loads as Unrecognized and always passes.
//
// # Usage
//
//	eng := engine.New(store)
//	d := eng.Evaluate(ctx, "delete_file", map[string]any{"path": "/tmp/x"}, session)
//	if d.Action == engine.ActionDeny {
//	    return fmt.Errorf("blocked: %s", d.Reason)
//	}
package engine
