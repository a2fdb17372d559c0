// Package groups manages review groups and their memberships.
//
// Every mutation runs in a single transaction that
//
//   - bumps the group row, which serializes concurrent mutations of the same group,
//   - authorizes the caller against that transaction's snapshot,
//   - writes the membership change with a compare-and-set on the previously read role,
//   - appends the audit entry.
//
// A failed audit append rolls the whole mutation back.
//
// # Ownership
//
// Admins hold manage_roles and remove_member, but only an owner may grant the owner role,
// change an owner's role or remove an owner. A change that would leave a group without an
// owner fails with a last_owner conflict; CreateGroup is the only path that assigns the
// first owner.
//
//	m := groups.NewManager(db, perms, auditLog, metrics, logger)
//	change, err := m.UpdateRole(ctx, actorID, groupID, targetID, rbac.RoleAdmin, "", info)
//	if apperrors.ConflictReasonOf(err) == apperrors.ReasonLastOwner {
//		// promote someone else first
//	}
//
// # HTTP
//
//	POST   /v1/groups
//	GET    /v1/groups
//	GET    /v1/groups/{group_id}
//	PATCH  /v1/groups/{group_id}
//	GET    /v1/groups/{group_id}/members
//	PUT    /v1/groups/{group_id}/members/{actor_id}/role
//	DELETE /v1/groups/{group_id}/members/{actor_id}
//	POST   /v1/groups/{group_id}/leave
//	PUT    /v1/admins/{actor_id}
//	DELETE /v1/admins/{actor_id}
package groups
