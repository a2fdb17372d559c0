// Package rbac decides who may do what inside a group.
//
// # Role Model
//
// Memberships carry one of three totally ordered roles:
//
//	member (1) < admin (2) < owner (3)
//
// Every capability is bound in a single table to a scope kind and, for group scope, a
// minimum role:
//
//	create_group, view_audit_log, manage_platform_admins   platform   (platform admin)
//	view_group, view_members, create_invite,
//	revoke_invite, view_invites                            group      member
//	update_group, manage_roles, remove_member              group      admin
//	transfer_ownership                                     group      owner
//
// Platform admins are not implicitly granted group capabilities; the two axes are separate.
//
// # Permission Service
//
//	svc := rbac.NewService(db, metrics, logger)
//
//	// Hard check, returns *apperrors.PermissionDeniedError on denial
//	err := svc.EnsureCan(ctx, actorID, rbac.CapManageRoles, rbac.GroupScope(groupID))
//
//	// Structured, non-failing check for UIs
//	decision, err := svc.CheckPermission(ctx, actorID, rbac.CapCreateGroup, nil)
//
//	// Full capability set
//	perms, err := svc.GetUserPermissions(ctx, actorID, groupID)
//
// The Tx variants (EnsureCanTx, CheckPermissionTx, IsGroupOwnerTx) evaluate against an
// open transaction so a mutation and its authorization read the same snapshot.
//
// # HTTP
//
//	router.Handle("/v1/audit/entries", svc.RequireCapability(rbac.CapViewAuditLog, "")(h))
//
//	GET  /v1/permissions?group_id=   capability set of the calling actor
//	POST /v1/permissions/check       {"capability": "...", "group_id": "..."}
package rbac
