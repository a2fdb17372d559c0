package rbac

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/circles/pkg/apperrors"
)

// Role is a membership role within a group
type Role string

// Membership roles, totally ordered by privilege
const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Level returns the position of the role in the privilege order, 0 for an unknown role
func (r Role) Level() int {
	switch r {
	case RoleMember:
		return 1
	case RoleAdmin:
		return 2
	case RoleOwner:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r.Level() > 0
}

// ParseRole parses a role name; anything other than member, admin or owner is rejected
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if !role.Valid() {
		return "", apperrors.NewValidation("role", fmt.Sprintf("must be one of member, admin, owner (got %q)", s))
	}
	return role, nil
}

// RoleAtLeast reports whether a is at or above b. Unknown roles never satisfy a requirement.
func RoleAtLeast(a, b Role) bool {
	return a.Valid() && b.Valid() && a.Level() >= b.Level()
}

// Capability is a named permission check
type Capability string

// Platform-scoped capabilities
const (
	CapCreateGroup          Capability = "create_group"
	CapViewAuditLog         Capability = "view_audit_log"
	CapManagePlatformAdmins Capability = "manage_platform_admins"
)

// Group-scoped capabilities
const (
	CapViewGroup         Capability = "view_group"
	CapViewMembers       Capability = "view_members"
	CapCreateInvite      Capability = "create_invite"
	CapRevokeInvite      Capability = "revoke_invite"
	CapViewInvites       Capability = "view_invites"
	CapUpdateGroup       Capability = "update_group"
	CapManageRoles       Capability = "manage_roles"
	CapRemoveMember      Capability = "remove_member"
	CapTransferOwnership Capability = "transfer_ownership"
)

// ScopeKind says whether a capability applies platform-wide or within one group
type ScopeKind string

const (
	ScopePlatform ScopeKind = "platform"
	ScopeGroup    ScopeKind = "group"
)

type requirement struct {
	scope   ScopeKind
	minRole Role
}

// capabilityTable is the only place capabilities are bound to scopes and roles
var capabilityTable = map[Capability]requirement{
	CapCreateGroup:          {scope: ScopePlatform},
	CapViewAuditLog:         {scope: ScopePlatform},
	CapManagePlatformAdmins: {scope: ScopePlatform},

	CapViewGroup:         {scope: ScopeGroup, minRole: RoleMember},
	CapViewMembers:       {scope: ScopeGroup, minRole: RoleMember},
	CapCreateInvite:      {scope: ScopeGroup, minRole: RoleMember},
	CapRevokeInvite:      {scope: ScopeGroup, minRole: RoleMember},
	CapViewInvites:       {scope: ScopeGroup, minRole: RoleMember},
	CapUpdateGroup:       {scope: ScopeGroup, minRole: RoleAdmin},
	CapManageRoles:       {scope: ScopeGroup, minRole: RoleAdmin},
	CapRemoveMember:      {scope: ScopeGroup, minRole: RoleAdmin},
	CapTransferOwnership: {scope: ScopeGroup, minRole: RoleOwner},
}

// capabilityOrder fixes the listing order for GetUserPermissions
var capabilityOrder = []Capability{
	CapCreateGroup,
	CapViewAuditLog,
	CapManagePlatformAdmins,
	CapViewGroup,
	CapViewMembers,
	CapCreateInvite,
	CapRevokeInvite,
	CapViewInvites,
	CapUpdateGroup,
	CapManageRoles,
	CapRemoveMember,
	CapTransferOwnership,
}

// Capabilities returns every known capability in a stable order
func Capabilities() []Capability {
	out := make([]Capability, len(capabilityOrder))
	copy(out, capabilityOrder)
	return out
}

// RequiredRoleFor returns the scope kind and minimum role of a capability. The role is
// empty for platform capabilities. An unknown capability is a programming error and panics.
func RequiredRoleFor(c Capability) (ScopeKind, Role) {
	req, ok := capabilityTable[c]
	if !ok {
		panic(fmt.Sprintf("rbac: unknown capability %q", c))
	}
	return req.scope, req.minRole
}

// LookupCapability resolves a capability name supplied by a caller
func LookupCapability(name string) (Capability, error) {
	c := Capability(strings.TrimSpace(name))
	if _, ok := capabilityTable[c]; !ok {
		return "", apperrors.NewValidation("capability", fmt.Sprintf("unknown capability %q", name))
	}
	return c, nil
}
