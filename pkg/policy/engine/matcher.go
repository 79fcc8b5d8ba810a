package engine

// Matches reports whether rule applies to call: at least one tool pattern
// must match the tool name and every condition must pass.
func Matches(rule *Rule, call *Call) bool {
	if !matchesTool(rule, call.ToolName) {
		return false
	}
	for _, cond := range rule.Conditions {
		if !cond.Matches(call) {
			return false
		}
	}
	return true
}

func matchesTool(rule *Rule, toolName string) bool {
	for _, p := range rule.Patterns {
		if p.Match(toolName) {
			return true
		}
	}
	return false
}
