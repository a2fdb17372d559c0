// Package audit is the append-only record of privileged mutations.
//
// # Appending
//
// Entries are written through an Appender inside the caller's transaction, so a failed
// append rolls back the mutation it describes:
//
//	err := db.WithTx(ctx, func(tx *sql.Tx) error {
//		// ... mutate memberships ...
//		entry, err := appender.Append(ctx, tx, info.Apply(&audit.Entry{
//			Action:     audit.ActionRoleChanged,
//			ActorID:    actorID,
//			GroupID:    groupID,
//			TargetType: audit.TargetMembership,
//			TargetID:   targetID,
//			Changes:    audit.RoleChange("admin", "member"),
//		}))
//		return err
//	})
//
// No code path updates or deletes audit_entries; the schema installs triggers that
// reject both.
//
// # Reading
//
// Query, Stats and Export read from a replica when one is configured and retry a
// transient storage failure once with backoff. The HTTP routes are mounted behind the
// view_audit_log platform capability:
//
//	GET /v1/audit/entries?action=&actor_id=&group_id=&target_type=&start_time=&end_time=&limit=&offset=
//	GET /v1/audit/stats
//	GET /v1/audit/export?format=json|ndjson|csv
//
// # Archiving
//
// Archiver uploads each finished UTC day as NDJSON to <prefix>/YYYY/MM/DD.ndjson on a cron
// schedule. Archiving never deletes rows.
package audit
