package groups

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/rbac"
	"github.com/platinummonkey/circles/pkg/storage"
)

const tracerName = "github.com/platinummonkey/circles/pkg/groups"

// Manager mutates groups and memberships. Every mutation runs in one transaction together
// with its audit entry.
type Manager struct {
	db      *storage.DB
	perms   *rbac.Service
	audit   audit.Appender
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
	newID   func() string
}

// NewManager creates a membership manager. metrics may be nil.
func NewManager(db *storage.DB, perms *rbac.Service, appender audit.Appender, metrics *observability.Metrics, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Manager{
		db:      db,
		perms:   perms,
		audit:   appender,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// mutate runs fn in a transaction with a span, a metric and a log line
func (m *Manager) mutate(ctx context.Context, action string, kv []string, fn func(ctx context.Context, tx *sql.Tx, now time.Time) error) error {
	ctx, span := observability.StartSpan(ctx, tracerName, "groups."+action, kv...)

	now := m.now().UTC()
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, tx, now)
	})

	observability.EndSpan(span, err)
	m.metrics.RecordMutation(action, outcome(err))

	if err != nil {
		logger := observability.FromContext(ctx, m.logger).WithField("action", action).WithError(err)
		if apperrors.IsStorage(err) || apperrors.KindOf(err) == apperrors.KindUnknown {
			logger.Error("membership mutation failed")
		} else {
			logger.Debug("membership mutation rejected")
		}
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperrors.KindOf(err))
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.NewValidation("name", "must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", apperrors.NewValidation("name", fmt.Sprintf("must be at most %d characters", MaxNameLength))
	}
	return name, nil
}

func validateDescription(desc string) (string, error) {
	desc = strings.TrimSpace(desc)
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return "", apperrors.NewValidation("description", fmt.Sprintf("must be at most %d characters", MaxDescriptionLength))
	}
	return desc, nil
}

// CreateGroup creates a group with ownerActorID as its first owner. Requires the platform
// create_group capability.
func (m *Manager) CreateGroup(ctx context.Context, req CreateGroupRequest, ownerActorID string, info audit.RequestInfo) (*Created, error) {
	name, err := validateName(req.Name)
	if err != nil {
		return nil, err
	}
	desc, err := validateDescription(req.Description)
	if err != nil {
		return nil, err
	}

	var result *Created
	err = m.mutate(ctx, "create_group", []string{"actor_id", ownerActorID}, func(ctx context.Context, tx *sql.Tx, now time.Time) error {
		if err := m.perms.EnsureCanTx(ctx, tx, ownerActorID, rbac.CapCreateGroup, nil); err != nil {
			return err
		}

		g := &Group{
			ID:          m.newID(),
			Name:        name,
			Description: desc,
			CreatedBy:   ownerActorID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := insertGroup(ctx, tx, g); err != nil {
			return err
		}
		if err := rbac.CreateMembership(ctx, tx, g.ID, ownerActorID, rbac.RoleOwner, now); err != nil {
			return err
		}

		entry, err := m.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     audit.ActionGroupCreated,
			ActorID:    ownerActorID,
			GroupID:    g.ID,
			TargetType: audit.TargetGroup,
			TargetID:   g.ID,
			Changes: &audit.Changes{After: map[string]interface{}{
				"name":        g.Name,
				"description": g.Description,
				"owner":       ownerActorID,
			}},
			CreatedAt: now,
		}))
		if err != nil {
			return err
		}

		result = &Created{Group: g, AuditID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateGroup changes name and/or description. Requires update_group.
func (m *Manager) UpdateGroup(ctx context.Context, actorID, groupID string, req UpdateGroupRequest, info audit.RequestInfo) (*Updated, error) {
	if req.Name == nil && req.Description == nil {
		return nil, apperrors.NewValidation("body", "nothing to update")
	}

	var name, desc string
	var err error
	if req.Name != nil {
		if name, err = validateName(*req.Name); err != nil {
			return nil, err
		}
	}
	if req.Description != nil {
		if desc, err = validateDescription(*req.Description); err != nil {
			return nil, err
		}
	}

	var result *Updated
	err = m.mutate(ctx, "update_group", []string{"actor_id", actorID, "group_id", groupID}, func(ctx context.Context, tx *sql.Tx, now time.Time) error {
		if _, err := lockGroup(ctx, tx, groupID, now); err != nil {
			return err
		}
		if err := m.perms.EnsureCanTx(ctx, tx, actorID, rbac.CapUpdateGroup, rbac.GroupScope(groupID)); err != nil {
			return err
		}

		g, err := getGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}

		before := map[string]interface{}{}
		after := map[string]interface{}{}
		if req.Name != nil && name != g.Name {
			before["name"], after["name"] = g.Name, name
			g.Name = name
		}
		if req.Description != nil && desc != g.Description {
			before["description"], after["description"] = g.Description, desc
			g.Description = desc
		}
		g.UpdatedAt = now

		if err := updateGroupFields(ctx, tx, g); err != nil {
			return err
		}

		entry, err := m.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     audit.ActionGroupUpdated,
			ActorID:    actorID,
			GroupID:    groupID,
			TargetType: audit.TargetGroup,
			TargetID:   groupID,
			Changes:    &audit.Changes{Before: before, After: after},
			CreatedAt:  now,
		}))
		if err != nil {
			return err
		}

		result = &Updated{Group: g, AuditID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateRole sets targetID's role in the group. Requires manage_roles; granting owner or
// changing an owner's role additionally requires the actor to be an owner. The last owner
// cannot be demoted.
func (m *Manager) UpdateRole(ctx context.Context, actorID, groupID, targetID string, newRole rbac.Role, reason string, info audit.RequestInfo) (*RoleChange, error) {
	if !newRole.Valid() {
		return nil, apperrors.NewValidation("role", fmt.Sprintf("must be one of member, admin, owner (got %q)", newRole))
	}

	var result *RoleChange
	kv := []string{"actor_id", actorID, "group_id", groupID, "target_id", targetID, "new_role", string(newRole)}
	err := m.mutate(ctx, "update_role", kv, func(ctx context.Context, tx *sql.Tx, now time.Time) error {
		exists, err := lockGroup(ctx, tx, groupID, now)
		if err != nil {
			return err
		}

		decision, err := m.perms.CheckPermissionTx(ctx, tx, actorID, rbac.CapManageRoles, rbac.GroupScope(groupID))
		if err != nil {
			return err
		}
		if err := decision.Err(); err != nil {
			return err
		}
		if !exists {
			return apperrors.NewNotFound("group", groupID)
		}

		target, err := rbac.GetMembership(ctx, tx, groupID, targetID)
		if err != nil {
			return err
		}

		if newRole == rbac.RoleOwner || target.Role == rbac.RoleOwner {
			isOwner, err := m.perms.IsGroupOwnerTx(ctx, tx, actorID, groupID)
			if err != nil {
				return err
			}
			if !isOwner {
				return apperrors.NewPermissionDenied(string(rbac.CapTransferOwnership), string(decision.ActorRole),
					string(rbac.RoleOwner), "only an owner may grant the owner role or change an owner's role")
			}
		}

		if target.Role == newRole {
			return apperrors.NewValidation("role", fmt.Sprintf("%s already has role %s", targetID, newRole))
		}

		if target.Role == rbac.RoleOwner {
			if err := m.ensureAnotherOwner(ctx, tx, groupID); err != nil {
				return err
			}
		}

		if err := compareAndSetRole(ctx, tx, groupID, targetID, target.Role, newRole, now); err != nil {
			return err
		}

		entry, err := m.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     audit.ActionRoleChanged,
			ActorID:    actorID,
			GroupID:    groupID,
			TargetType: audit.TargetMembership,
			TargetID:   targetID,
			Changes:    audit.RoleChange(string(target.Role), string(newRole)),
			Reason:     reason,
			CreatedAt:  now,
		}))
		if err != nil {
			return err
		}

		result = &RoleChange{
			GroupID: groupID,
			ActorID: targetID,
			OldRole: target.Role,
			NewRole: newRole,
			AuditID: entry.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveMember deletes targetID's membership. Requires remove_member; removing an owner
// requires the actor to be an owner, and the last owner cannot be removed.
func (m *Manager) RemoveMember(ctx context.Context, actorID, groupID, targetID, reason string, info audit.RequestInfo) (*Removal, error) {
	var result *Removal
	kv := []string{"actor_id", actorID, "group_id", groupID, "target_id", targetID}
	err := m.mutate(ctx, "remove_member", kv, func(ctx context.Context, tx *sql.Tx, now time.Time) error {
		exists, err := lockGroup(ctx, tx, groupID, now)
		if err != nil {
			return err
		}

		decision, err := m.perms.CheckPermissionTx(ctx, tx, actorID, rbac.CapRemoveMember, rbac.GroupScope(groupID))
		if err != nil {
			return err
		}
		if err := decision.Err(); err != nil {
			return err
		}
		if !exists {
			return apperrors.NewNotFound("group", groupID)
		}

		target, err := rbac.GetMembership(ctx, tx, groupID, targetID)
		if err != nil {
			return err
		}

		if target.Role == rbac.RoleOwner {
			isOwner, err := m.perms.IsGroupOwnerTx(ctx, tx, actorID, groupID)
			if err != nil {
				return err
			}
			if !isOwner {
				return apperrors.NewPermissionDenied(string(rbac.CapRemoveMember), string(decision.ActorRole),
					string(rbac.RoleOwner), "only an owner may remove an owner")
			}
			if err := m.ensureAnotherOwner(ctx, tx, groupID); err != nil {
				return err
			}
		}

		if err := compareAndDelete(ctx, tx, groupID, targetID, target.Role); err != nil {
			return err
		}

		entry, err := m.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     audit.ActionMemberRemoved,
			ActorID:    actorID,
			GroupID:    groupID,
			TargetType: audit.TargetMembership,
			TargetID:   targetID,
			Changes:    audit.RoleChange(string(target.Role), ""),
			Reason:     reason,
			CreatedAt:  now,
		}))
		if err != nil {
			return err
		}

		result = &Removal{GroupID: groupID, ActorID: targetID, RemovedRole: target.Role, AuditID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LeaveGroup removes the actor's own membership. The last owner cannot leave.
func (m *Manager) LeaveGroup(ctx context.Context, actorID, groupID string, info audit.RequestInfo) (*Removal, error) {
	var result *Removal
	err := m.mutate(ctx, "leave_group", []string{"actor_id", actorID, "group_id", groupID}, func(ctx context.Context, tx *sql.Tx, now time.Time) error {
		if _, err := lockGroup(ctx, tx, groupID, now); err != nil {
			return err
		}

		own, err := rbac.GetMembership(ctx, tx, groupID, actorID)
		if err != nil {
			return err
		}
		if own.Role == rbac.RoleOwner {
			if err := m.ensureAnotherOwner(ctx, tx, groupID); err != nil {
				return err
			}
		}

		if err := compareAndDelete(ctx, tx, groupID, actorID, own.Role); err != nil {
			return err
		}

		entry, err := m.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     audit.ActionMemberLeft,
			ActorID:    actorID,
			GroupID:    groupID,
			TargetType: audit.TargetMembership,
			TargetID:   actorID,
			Changes:    audit.RoleChange(string(own.Role), ""),
			CreatedAt:  now,
		}))
		if err != nil {
			return err
		}

		result = &Removal{GroupID: groupID, ActorID: actorID, RemovedRole: own.Role, AuditID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ensureAnotherOwner fails with Conflict(last_owner) unless the group has more than one
// owner. Callers hold the group lock.
func (m *Manager) ensureAnotherOwner(ctx context.Context, tx *sql.Tx, groupID string) error {
	owners, err := rbac.CountOwners(ctx, tx, groupID)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return apperrors.NewConflict(apperrors.ReasonLastOwner, "a group must keep at least one owner")
	}
	return nil
}

// SetPlatformAdmin grants or revokes the platform admin flag. The operator needs
// manage_platform_admins unless it is SystemActorID (the admin CLI). Setting the flag to
// its current value succeeds without an audit entry.
func (m *Manager) SetPlatformAdmin(ctx context.Context, operatorID, targetID string, grant bool, reason string, info audit.RequestInfo) (*AdminChange, error) {
	var result *AdminChange
	kv := []string{"actor_id", operatorID, "target_id", targetID}
	err := m.mutate(ctx, "set_platform_admin", kv, func(ctx context.Context, tx *sql.Tx, now time.Time) error {
		if operatorID != SystemActorID {
			if err := m.perms.EnsureCanTx(ctx, tx, operatorID, rbac.CapManagePlatformAdmins, nil); err != nil {
				return err
			}
		}

		before, err := rbac.SetPlatformAdminFlag(ctx, tx, targetID, grant)
		if err != nil {
			return err
		}
		result = &AdminChange{ActorID: targetID, Before: before, After: grant}
		if before == grant {
			return nil
		}

		action := audit.ActionPlatformAdminGranted
		if !grant {
			action = audit.ActionPlatformAdminRevoked
		}
		entry, err := m.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     action,
			ActorID:    operatorID,
			TargetType: audit.TargetActor,
			TargetID:   targetID,
			Changes: &audit.Changes{
				Before: map[string]interface{}{"is_platform_admin": before},
				After:  map[string]interface{}{"is_platform_admin": grant},
			},
			Reason:    reason,
			CreatedAt: now,
		}))
		if err != nil {
			return err
		}
		result.AuditID = entry.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetGroup returns a group to one of its members
func (m *Manager) GetGroup(ctx context.Context, actorID, groupID string) (*Group, error) {
	if err := m.perms.EnsureCan(ctx, actorID, rbac.CapViewGroup, rbac.GroupScope(groupID)); err != nil {
		return nil, err
	}
	return storage.RetryRead(ctx, func() (*Group, error) {
		return getGroup(ctx, m.db, groupID)
	})
}

// ListMembers returns the memberships of a group, oldest first. Requires view_members.
func (m *Manager) ListMembers(ctx context.Context, actorID, groupID string) ([]*rbac.Membership, error) {
	if err := m.perms.EnsureCan(ctx, actorID, rbac.CapViewMembers, rbac.GroupScope(groupID)); err != nil {
		return nil, err
	}
	return storage.RetryRead(ctx, func() ([]*rbac.Membership, error) {
		return listMembers(ctx, m.db, groupID)
	})
}

// ListGroupsForActor returns every group the actor belongs to with the actor's role
func (m *Manager) ListGroupsForActor(ctx context.Context, actorID string) ([]*GroupMembership, error) {
	return storage.RetryRead(ctx, func() ([]*GroupMembership, error) {
		return listGroupsForActor(ctx, m.db, actorID)
	})
}
