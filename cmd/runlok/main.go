// runlok is a policy decision engine and tamper-evident audit log for
// agent tool calls.
//
// Usage:
//
//	# Start the daemon: ops server, policy hot reload, retention sweeps
//	runlok run --config /etc/runlok/config.yaml
//
//	# Check a policy document and dry-run a call against it
//	runlok policy validate policy.yaml
//	runlok policy test --file policy.yaml --tool shell_exec --arg cmd=ls
//
//	# Record one tool call decision
//	runlok enforce --tool db_write --session s-1 --agent planner
//
//	# Verify the audit chain
//	runlok audit verify --start 2025-01-01
//
//	# Generate a compliance report
//	runlok compliance report --start 2025-01-01 --end 2025-03-31
package main

import "os"

func main() {
	os.Exit(Execute(os.Args[1:], os.Stdout, os.Stderr))
}
