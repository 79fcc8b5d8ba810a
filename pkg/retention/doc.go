// Package retention tracks retention deadlines of audit and enforcement
// records, archives records on request and deletes overdue ones.
//
// # Classification
//
// Classify puts every record in exactly one state:
//
//   - archived: is_archived is set, whatever the deadline
//   - overdue: retention_until is before now
//   - upcoming: retention_until falls within the horizon (30 days by default)
//   - compliant: no deadline, or a deadline beyond the horizon
//
// # Archiving
//
// Archive marks records as archived and moves their deadline to
// archived_at plus the given number of days. An existing later deadline
// is never shortened. An archive_action event is appended to the chain.
//
// # Cleanup
//
//	mgr := retention.NewManager(auditStore, enforcementStore, retention.Config{
//	    ArchiveBeforeDelete: true,
//	    ArchivePath:         "data/archives",
//	}, retention.WithAuditor(chain))
//
//	plan, err := mgr.PlanCleanup(ctx, time.Now(), true) // dry run
//
// A dry run never deletes and never writes to the chain. A destructive run
// deletes overdue enforcement records, then the overdue prefix of the audit
// chain, and appends a data_cleanup event. Audit records behind a retained
// record, and the newest record, are reported as held so the remaining
// chain still verifies.
//
// # Scheduling
//
// Scheduler runs PlanCleanup on a cron expression. Scheduled runs are dry
// runs unless auto cleanup is enabled.
package retention
